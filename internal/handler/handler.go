// Package handler exposes the attendance services over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/cloudinary"
	"classattend/internal/ledger"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/roster"
	"classattend/internal/session"
)

// Uploader stores photos and returns their public URL.
type Uploader interface {
	UploadFile(ctx context.Context, file string) (*cloudinary.UploadResult, error)
	UploadBytes(ctx context.Context, data []byte, filename string) (*cloudinary.UploadResult, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler wires the services to routes.
type Handler struct {
	Sessions      *session.Manager
	Roster        *roster.Service
	Ledger        *ledger.Ledger
	Attendance    *attendance.Service
	Uploader      Uploader // nil disables /v1/upload
	Metrics       *metrics.Recorder
	PublicBaseURL string
	Checks        map[string]HealthCheck
}

// Register mounts every route on r. instructor guards dashboard routes and
// limit throttles the public write routes.
func (h *Handler) Register(r gin.IRouter, instructor, limit gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	v1.GET("/sessions/:token", h.getSession)
	v1.GET("/sessions/:token/qr", h.sessionQR)
	v1.POST("/attendance", limit, h.submitAttendance)
	v1.POST("/upload", limit, h.upload)

	staff := v1.Group("", instructor)
	staff.POST("/sessions", h.createSession)
	staff.GET("/sessions", h.listSessions)
	staff.GET("/sessions/:token/attendance", h.sessionAttendance)
	staff.GET("/attendance", h.listAttendance)
	staff.GET("/attendance/export", h.exportAttendance)
	staff.POST("/students", h.createStudent)
	staff.GET("/students", h.listStudents)
	staff.GET("/students/:id/attendance", h.studentAttendance)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Checks {
		ok := check(ctx) == nil
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNoMatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// recordFilter reads session_id, student_id, from, to, limit and offset from
// the query string. from/to accept RFC 3339 timestamps or plain dates.
func recordFilter(c *gin.Context) (model.RecordFilter, error) {
	f := model.RecordFilter{
		SessionID: c.Query("session_id"),
		StudentID: c.Query("student_id"),
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		return f, errors.New("from: " + err.Error())
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		return f, errors.New("to: " + err.Error())
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("limit must be an integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, errors.New("offset must be an integer")
		}
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.New("want RFC 3339 time or YYYY-MM-DD")
	}
	return t, nil
}
