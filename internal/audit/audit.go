// Package audit post-processes accepted attendance records: it archives the
// captured photo and stores the face detection confidence next to the record.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"classattend/internal/clock"
	"classattend/internal/cloudinary"
	"classattend/internal/faceclient"
	"classattend/internal/model"
	"classattend/internal/queue"
)

// Store is what the processor reads and writes.
type Store interface {
	RecordByID(ctx context.Context, id string) (*model.AttendanceRecord, error)
	InsertAudit(ctx context.Context, a model.AuditEntry) error
}

// Archiver copies a photo to durable storage.
type Archiver interface {
	UploadFile(ctx context.Context, file string) (*cloudinary.UploadResult, error)
}

// Scorer measures face detection confidence on an image URL.
type Scorer interface {
	EmbedWithScore(ctx context.Context, imageURL string) (*faceclient.EmbedResult, error)
}

// Processor handles attendance.marked messages. Archiver and Scorer are
// optional.
type Processor struct {
	Store    Store
	Archiver Archiver
	Scorer   Scorer
	Clock    clock.Clock
}

// Run consumes q until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	slog.Info("audit worker started, waiting for messages")
	for msg := range messages {
		if msg.Type != queue.TypeAttendanceMarked {
			continue
		}
		if err := p.Process(ctx, msg); err != nil {
			slog.Error("audit failed", "err", err)
		}
	}
	slog.Info("audit worker stopped")
	return nil
}

// Process audits one record. Photo archiving and scoring failures are logged
// and leave the corresponding audit fields empty.
func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	var evt queue.AttendanceMarked
	if err := msg.Decode(&evt); err != nil {
		return err
	}
	rec, err := p.Store.RecordByID(ctx, evt.RecordID)
	if err != nil {
		return fmt.Errorf("fetch record %s: %w", evt.RecordID, err)
	}
	if rec == nil {
		slog.Warn("audit for unknown record", "record_id", evt.RecordID)
		return nil
	}

	entry := model.AuditEntry{RecordID: rec.ID}
	if rec.Photo != "" {
		entry.PhotoURL = p.archive(ctx, rec)
	}
	if entry.PhotoURL != "" && p.Scorer != nil {
		res, err := p.Scorer.EmbedWithScore(ctx, entry.PhotoURL)
		if err != nil {
			slog.Warn("face scoring failed", "record_id", rec.ID, "err", err)
		} else {
			score := res.Score
			entry.FaceScore = &score
			slog.Info("record scored", "record_id", rec.ID, "faces", res.FacesDetected, "confidence", score)
		}
	}

	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	entry.ProcessedAt = clk.Now()
	if err := p.Store.InsertAudit(ctx, entry); err != nil {
		return fmt.Errorf("store audit for %s: %w", rec.ID, err)
	}
	return nil
}

// archive returns the durable URL of the record's photo, falling back to the
// submitted reference when it already is a URL.
func (p *Processor) archive(ctx context.Context, rec *model.AttendanceRecord) string {
	fallback := ""
	if isURL(rec.Photo) {
		fallback = rec.Photo
	}
	if p.Archiver == nil {
		return fallback
	}
	res, err := p.Archiver.UploadFile(ctx, rec.Photo)
	if err != nil {
		slog.Warn("photo archive failed", "record_id", rec.ID, "err", err)
		return fallback
	}
	return res.SecureURL
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
