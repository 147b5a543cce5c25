// Package model holds the aggregates shared by the session manager, the ledger
// and the stores.
package model

import (
	"fmt"
	"time"
)

// Coordinates is a WGS84 position in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

// Session is a time-boxed attendance window anchored to a classroom.
type Session struct {
	ID              string      `json:"id"`
	Token           string      `json:"token"`
	Anchor          Coordinates `json:"anchor"`
	ExpectedNetwork string      `json:"expected_network,omitempty"`
	Course          string      `json:"course,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// Student is a directory entry. Embedding is nil when no face is enrolled.
type Student struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Embedding []float64 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasEmbedding reports whether a face is enrolled.
func (s Student) HasEmbedding() bool { return len(s.Embedding) > 0 }

// StudentIDFor formats the n-th sequential student identifier (S001, S002, ...).
func StudentIDFor(seq int64) string {
	return fmt.Sprintf("S%03d", seq)
}

// AttendanceRecord is an accepted check-in. It is never mutated after insert.
type AttendanceRecord struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	StudentID      string      `json:"student_id"`
	DedupKey       string      `json:"-"`
	MarkedAt       time.Time   `json:"marked_at"`
	GeoValid       bool        `json:"geo_valid"`
	NetworkValid   bool        `json:"network_valid"`
	BiometricValid bool        `json:"biometric_valid"`
	Location       Coordinates `json:"location"`
	DistanceMeters float64     `json:"distance_meters"`
	Network        string      `json:"network,omitempty"`
	Photo          string      `json:"photo,omitempty"`
	Embedding      []float64   `json:"embedding,omitempty"`
}

// Listing page sizes.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// RecordFilter narrows ledger listings. Zero values mean "any".
type RecordFilter struct {
	SessionID string
	StudentID string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Page returns the effective limit and offset. A non-positive limit means
// DefaultPageSize and larger limits are capped at MaxPageSize.
func (f RecordFilter) Page() (limit, offset int) {
	limit, offset = f.Limit, f.Offset
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// AuditEntry is written by the worker once a record's photo is archived.
type AuditEntry struct {
	RecordID    string    `json:"record_id"`
	PhotoURL    string    `json:"photo_url"`
	FaceScore   *float64  `json:"face_score,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
