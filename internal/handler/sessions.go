package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"classattend/internal/model"
	"classattend/internal/session"
)

type createSessionRequest struct {
	Latitude        *float64 `json:"latitude" binding:"required"`
	Longitude       *float64 `json:"longitude" binding:"required"`
	ExpectedNetwork string   `json:"expected_network"`
	Course          string   `json:"course"`
	TTLSeconds      int      `json:"ttl_seconds"`
}

type sessionView struct {
	model.Session
	Status           session.Status `json:"status"`
	RemainingSeconds int            `json:"remaining_seconds"`
	CheckinURL       string         `json:"checkin_url"`
}

// publicSessionView omits the anchor and expected network so devices cannot
// read back what they are checked against.
type publicSessionView struct {
	ID               string         `json:"id"`
	Course           string         `json:"course,omitempty"`
	ExpiresAt        time.Time      `json:"expires_at"`
	Status           session.Status `json:"status"`
	RemainingSeconds int            `json:"remaining_seconds"`
}

func (h *Handler) view(s model.Session) sessionView {
	now := h.Sessions.Now()
	return sessionView{
		Session:          s,
		Status:           session.StatusAt(s, now),
		RemainingSeconds: int(session.Remaining(s, now).Seconds()),
		CheckinURL:       h.checkinURL(s.Token),
	}
}

func (h *Handler) checkinURL(token string) string {
	return h.PublicBaseURL + "/checkin?token=" + url.QueryEscape(token)
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.Sessions.Create(c.Request.Context(), session.CreateParams{
		Anchor:          model.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude},
		ExpectedNetwork: req.ExpectedNetwork,
		Course:          req.Course,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.Metrics.SessionCreated()
	c.JSON(http.StatusCreated, h.view(s))
}

func (h *Handler) listSessions(c *gin.Context) {
	list, err := h.Sessions.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, h.view(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.Sessions.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	now := h.Sessions.Now()
	v := publicSessionView{
		ID:               s.ID,
		Course:           s.Course,
		ExpiresAt:        s.ExpiresAt,
		Status:           session.StatusAt(s, now),
		RemainingSeconds: int(session.Remaining(s, now).Seconds()),
	}
	status := http.StatusOK
	if v.Status == session.StatusExpired {
		status = http.StatusGone
	}
	c.JSON(status, v)
}

func (h *Handler) sessionQR(c *gin.Context) {
	s, err := h.Sessions.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	if session.IsExpired(s, h.Sessions.Now()) {
		c.JSON(http.StatusGone, gin.H{"error": "session expired"})
		return
	}

	size := 256
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 128 || n > 1024 {
			badRequest(c, "size must be between 128 and 1024")
			return
		}
		size = n
	}
	png, err := qrcode.Encode(h.checkinURL(s.Token), qrcode.Medium, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) sessionAttendance(c *gin.Context) {
	s, err := h.Sessions.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	f, err := recordFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f.SessionID = s.ID
	h.respondRecords(c, f)
}
