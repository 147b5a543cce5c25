package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/model"
	"classattend/internal/report"
)

type submitRequest struct {
	Token     string                       `json:"token" binding:"required"`
	StudentID string                       `json:"student_id"`
	Location  *model.Coordinates           `json:"location" binding:"required"`
	Network   string                       `json:"network"`
	Biometric *attendance.BiometricPayload `json:"biometric"`
}

// receipt is the record as returned to the submitting device. The captured
// photo and embedding stay server-side.
type receipt struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	StudentID      string    `json:"student_id"`
	MarkedAt       time.Time `json:"marked_at"`
	GeoValid       bool      `json:"geo_valid"`
	NetworkValid   bool      `json:"network_valid"`
	BiometricValid bool      `json:"biometric_valid"`
}

func receiptFor(rec model.AttendanceRecord) receipt {
	return receipt{
		ID:             rec.ID,
		SessionID:      rec.SessionID,
		StudentID:      rec.StudentID,
		MarkedAt:       rec.MarkedAt,
		GeoValid:       rec.GeoValid,
		NetworkValid:   rec.NetworkValid,
		BiometricValid: rec.BiometricValid,
	}
}

func (h *Handler) submitAttendance(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.Attendance.Submit(c.Request.Context(), req.Token, attendance.Claim{
		StudentID: strings.TrimSpace(req.StudentID),
		Location:  *req.Location,
		Network:   req.Network,
		Biometric: req.Biometric,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":         true,
		"record":          receiptFor(res.Record),
		"flags":           res.Flags.Map(),
		"distance_meters": res.DistanceMeters,
		"mode":            res.Mode,
	})
}

func (h *Handler) listAttendance(c *gin.Context) {
	f, err := recordFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	h.respondRecords(c, f)
}

func (h *Handler) studentAttendance(c *gin.Context) {
	st, err := h.Roster.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	f, err := recordFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f.StudentID = st.ID
	h.respondRecords(c, f)
}

func (h *Handler) respondRecords(c *gin.Context, f model.RecordFilter) {
	recs, err := h.Ledger.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	limit, offset := f.Page()
	resp := gin.H{"records": recs, "limit": limit, "offset": offset}
	// a full page means more records may follow
	if len(recs) == limit {
		resp["next_offset"] = offset + limit
	}
	c.JSON(http.StatusOK, resp)
}

// exportAttendance writes every matching record; limit and offset are ignored.
func (h *Handler) exportAttendance(c *gin.Context) {
	f, err := recordFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	recs, err := h.Ledger.ListAll(ctx, f)
	if err != nil {
		writeError(c, err)
		return
	}
	students, err := h.Roster.List(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	names := make(map[string]string, len(students))
	for _, st := range students {
		names[st.ID] = st.Name
	}

	c.Header("Content-Type", report.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"attendance_%s.xlsx\"", h.Sessions.Now().Format("20060102")))
	if err := report.WriteXLSX(c.Writer, recs, names); err != nil {
		slog.Error("export attendance", "err", err)
		c.Status(http.StatusInternalServerError)
	}
}

// upload stores a check-in photo and returns its URL for use as the
// biometric photo of a later submission.
func (h *Handler) upload(c *gin.Context) {
	if h.Uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	ctx := c.Request.Context()

	var (
		result any
		err    error
	)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			badRequest(c, "file field required")
			return
		}
		defer file.Close()
		data, ferr := io.ReadAll(io.LimitReader(file, 10<<20))
		if ferr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
			return
		}
		result, err = h.Uploader.UploadBytes(ctx, data, header.Filename)
	} else {
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			badRequest(c, "provide {\"data\": \"<base64 data URL>\"}")
			return
		}
		result, err = h.Uploader.UploadFile(ctx, body.Data)
	}
	if err != nil {
		slog.Error("photo upload failed", "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}
