package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"classattend/internal/model"
)

type createStudentRequest struct {
	Name      string    `json:"name" binding:"required"`
	Embedding []float64 `json:"embedding"`
}

func (h *Handler) createStudent(c *gin.Context) {
	var req createStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.Roster.Enroll(c.Request.Context(), req.Name, req.Embedding)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) listStudents(c *gin.Context) {
	list, err := h.Roster.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []model.Student{}
	}
	c.JSON(http.StatusOK, gin.H{"students": list})
}
