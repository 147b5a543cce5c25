// Package session owns attendance windows: creation with a fresh token, lookup
// by token and lazy expiry evaluation.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"classattend/internal/clock"
	"classattend/internal/model"
)

const (
	// DefaultTTL matches the one-minute window instructors display on screen.
	DefaultTTL = 60 * time.Second
	// DefaultMaxTTL caps instructor-requested windows.
	DefaultMaxTTL = 15 * time.Minute

	tokenBytes = 32
)

// Status is the lifecycle state of a session at a given instant.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Store persists sessions. SessionByToken returns (nil, nil) when absent.
type Store interface {
	CreateSession(ctx context.Context, s model.Session) error
	SessionByToken(ctx context.Context, token string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
}

// CreateParams describes a new attendance window. A zero TTL uses the
// manager's default.
type CreateParams struct {
	Anchor          model.Coordinates
	ExpectedNetwork string `validate:"max=128"`
	Course          string `validate:"max=200"`
	TTL             time.Duration
}

// Config tunes window lengths.
type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// Manager creates and resolves sessions.
type Manager struct {
	store      Store
	clock      clock.Clock
	validate   *validator.Validate
	random     io.Reader
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewManager builds a manager over store.
func NewManager(store Store, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	return &Manager{
		store:      store,
		clock:      clk,
		validate:   validator.New(),
		random:     rand.Reader,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
	}
}

// Create opens a new window starting now.
func (m *Manager) Create(ctx context.Context, p CreateParams) (model.Session, error) {
	if err := m.validate.Struct(p); err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	ttl := p.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl < 0 || ttl > m.maxTTL {
		return model.Session{}, fmt.Errorf("%w: ttl %s outside (0, %s]", model.ErrInvalidInput, ttl, m.maxTTL)
	}

	token, err := m.newToken()
	if err != nil {
		return model.Session{}, fmt.Errorf("generate session token: %w", err)
	}

	now := m.clock.Now()
	s := model.Session{
		ID:              uuid.NewString(),
		Token:           token,
		Anchor:          p.Anchor,
		ExpectedNetwork: p.ExpectedNetwork,
		Course:          p.Course,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return model.Session{}, fmt.Errorf("store session: %w", err)
	}
	slog.Info("session created", "session_id", s.ID, "course", s.Course, "expires_at", s.ExpiresAt)
	return s, nil
}

// Resolve looks a session up by its token.
func (m *Manager) Resolve(ctx context.Context, token string) (model.Session, error) {
	if token == "" {
		return model.Session{}, fmt.Errorf("%w: session token required", model.ErrInvalidInput)
	}
	s, err := m.store.SessionByToken(ctx, token)
	if err != nil {
		return model.Session{}, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return model.Session{}, fmt.Errorf("%w: session", model.ErrNotFound)
	}
	return *s, nil
}

// List returns every session, newest first.
func (m *Manager) List(ctx context.Context) ([]model.Session, error) {
	return m.store.ListSessions(ctx)
}

// Now exposes the manager's clock so callers evaluate expiry consistently.
func (m *Manager) Now() time.Time { return m.clock.Now() }

// IsExpired reports whether now is past the session's expiry.
func IsExpired(s model.Session, now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// StatusAt returns the lifecycle state of s at now.
func StatusAt(s model.Session, now time.Time) Status {
	if IsExpired(s, now) {
		return StatusExpired
	}
	return StatusActive
}

// Remaining is the time left before s expires, never negative.
func Remaining(s model.Session, now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (m *Manager) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.random, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
