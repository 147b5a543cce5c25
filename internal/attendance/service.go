// Package attendance verifies check-in submissions against a session and
// records the accepted ones.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"classattend/internal/checks"
	"classattend/internal/clock"
	"classattend/internal/ledger"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/queue"
	"classattend/internal/session"
)

// DefaultSubmitTimeout bounds a whole submission.
const DefaultSubmitTimeout = 5 * time.Second

// Sessions resolves session tokens.
type Sessions interface {
	Resolve(ctx context.Context, token string) (model.Session, error)
}

// Directory looks students up.
type Directory interface {
	Find(ctx context.Context, id string) (model.Student, error)
	Gallery(ctx context.Context) ([]checks.Candidate, error)
}

// Ledger stores accepted records.
type Ledger interface {
	Lock(ctx context.Context, studentID string, scope ledger.Scope) (unlock func(), err error)
	HasExisting(ctx context.Context, studentID string, scope ledger.Scope) (bool, error)
	Append(ctx context.Context, rec model.AttendanceRecord, scope ledger.Scope) (model.AttendanceRecord, error)
}

// Embedder extracts a face embedding from a photo.
type Embedder interface {
	Embed(ctx context.Context, imageURL string) ([]float64, error)
}

// Publisher hands accepted records to the audit worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Config holds the verification thresholds.
type Config struct {
	VerifyThreshold   float64
	IdentifyThreshold float64
	RadiusMeters      float64
	EmbeddingDim      int // 0 accepts any length
	Timeout           time.Duration
}

// Deps are the collaborators of the service. Embedder, Publisher and Metrics
// are optional.
type Deps struct {
	Sessions  Sessions
	Directory Directory
	Ledger    Ledger
	Clock     clock.Clock
	Embedder  Embedder
	Publisher Publisher
	Metrics   *metrics.Recorder
}

// Service coordinates attendance checks and deduplication.
type Service struct {
	Deps
	cfg      Config
	validate *validator.Validate
}

// NewService creates a service, filling unset thresholds with the defaults.
func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if cfg.VerifyThreshold <= 0 {
		cfg.VerifyThreshold = checks.DefaultVerifyThreshold
	}
	if cfg.IdentifyThreshold <= 0 {
		cfg.IdentifyThreshold = checks.DefaultIdentifyThreshold
	}
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = checks.DefaultRadiusMeters
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSubmitTimeout
	}
	slog.Info("attendance thresholds",
		"verify", cfg.VerifyThreshold,
		"identify", cfg.IdentifyThreshold,
		"radius_m", cfg.RadiusMeters,
		"embedding_dim", cfg.EmbeddingDim,
	)
	return &Service{Deps: d, cfg: cfg, validate: validator.New()}
}

// Submit verifies claim against the session identified by token and records
// it. Failing signals are reported as false flags on the stored record; only
// the gating failures (model.ErrNotFound, model.ErrExpired, model.ErrNoMatch,
// model.ErrConflict, model.ErrInvalidInput) reject the submission.
func (s *Service) Submit(ctx context.Context, token string, claim Claim) (res Result, err error) {
	started := time.Now()
	mode := ModeVerify
	if claim.StudentID == "" {
		mode = ModeIdentify
	}
	defer func() {
		s.Metrics.Submission(outcome(err), string(mode), time.Since(started))
		if err == nil {
			s.Metrics.Signals(res.Flags.Map())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.validateClaim(claim); err != nil {
		return Result{}, err
	}

	sess, err := s.Sessions.Resolve(ctx, token)
	if err != nil {
		return Result{}, err
	}
	if session.IsExpired(sess, s.Clock.Now()) {
		return Result{}, fmt.Errorf("%w: session closed at %s", model.ErrExpired, sess.ExpiresAt.Format(time.RFC3339))
	}

	probe := claim.probe()
	if len(probe) == 0 && claim.photo() != "" && s.Embedder != nil {
		probe = s.extract(ctx, claim.photo())
	}

	student, err := s.resolveStudent(ctx, claim, probe)
	if err != nil {
		return Result{}, err
	}

	scope := ledger.ScopeFor(sess)
	unlock, err := s.Ledger.Lock(ctx, student.ID, scope)
	if err != nil {
		return Result{}, fmt.Errorf("wait for %s in session %s: %w", student.ID, sess.ID, err)
	}
	defer unlock()

	exists, err := s.Ledger.HasExisting(ctx, student.ID, scope)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return Result{}, fmt.Errorf("%w: student %s in session %s", model.ErrConflict, student.ID, sess.ID)
	}

	flags, geo := s.evaluate(sess, student, claim, probe)

	rec, err := s.Ledger.Append(ctx, model.AttendanceRecord{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		StudentID:      student.ID,
		MarkedAt:       s.Clock.Now(),
		GeoValid:       flags.Geo,
		NetworkValid:   flags.Network,
		BiometricValid: flags.Biometric,
		Location:       claim.Location,
		DistanceMeters: geo.DistanceMeters,
		Network:        claim.Network,
		Photo:          claim.photo(),
		Embedding:      probe,
	}, scope)
	if err != nil {
		return Result{}, err
	}

	slog.Info("attendance marked",
		"record_id", rec.ID,
		"session_id", sess.ID,
		"student_id", student.ID,
		"mode", mode,
		"geo", flags.Geo,
		"network", flags.Network,
		"biometric", flags.Biometric,
		"distance_m", geo.DistanceMeters,
	)
	s.publish(ctx, rec)

	return Result{Record: rec, Flags: flags, DistanceMeters: geo.DistanceMeters, Mode: mode}, nil
}

func (s *Service) validateClaim(c Claim) error {
	if err := s.validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	probe := c.probe()
	if len(probe) == 0 {
		return nil
	}
	if !checks.Finite(probe) {
		return fmt.Errorf("%w: embedding contains non-finite values", model.ErrInvalidInput)
	}
	if s.cfg.EmbeddingDim > 0 && len(probe) != s.cfg.EmbeddingDim {
		return fmt.Errorf("%w: embedding has %d values, want %d", model.ErrInvalidInput, len(probe), s.cfg.EmbeddingDim)
	}
	return nil
}

// extract asks the face service for an embedding. A failure leaves the
// submission without one, which fails the biometric signal rather than the
// whole submission.
func (s *Service) extract(ctx context.Context, photo string) []float64 {
	emb, err := s.Embedder.Embed(ctx, photo)
	if err != nil {
		slog.Warn("face embedding failed", "err", err)
		return nil
	}
	if !checks.Finite(emb) {
		slog.Warn("face service returned non-finite embedding")
		return nil
	}
	return emb
}

func (s *Service) resolveStudent(ctx context.Context, c Claim, probe []float64) (model.Student, error) {
	if c.StudentID != "" {
		return s.Directory.Find(ctx, c.StudentID)
	}
	if len(probe) == 0 {
		if c.photo() != "" {
			return model.Student{}, fmt.Errorf("%w: no face found in photo", model.ErrNoMatch)
		}
		return model.Student{}, fmt.Errorf("%w: student id or face embedding required", model.ErrInvalidInput)
	}

	gallery, err := s.Directory.Gallery(ctx)
	if err != nil {
		return model.Student{}, err
	}
	match, ok := checks.Identify(gallery, probe, s.cfg.IdentifyThreshold)
	if !ok {
		return model.Student{}, model.ErrNoMatch
	}
	slog.Debug("face identified", "student_id", match.StudentID, "distance", match.Distance)
	return s.Directory.Find(ctx, match.StudentID)
}

// evaluate runs the three signal checks. None of them short-circuits another.
func (s *Service) evaluate(sess model.Session, student model.Student, c Claim, probe []float64) (Flags, checks.GeoResult) {
	var (
		g     errgroup.Group
		flags Flags
		geo   checks.GeoResult
	)
	g.Go(func() error {
		geo = checks.Geo(sess.Anchor, c.Location, s.cfg.RadiusMeters)
		flags.Geo = geo.Valid
		return nil
	})
	g.Go(func() error {
		flags.Network = checks.Network(sess.ExpectedNetwork, c.Network)
		return nil
	})
	g.Go(func() error {
		flags.Biometric = checks.Verify(student.Embedding, probe, s.cfg.VerifyThreshold)
		return nil
	})
	_ = g.Wait()
	return flags, geo
}

func (s *Service) publish(ctx context.Context, rec model.AttendanceRecord) {
	if s.Publisher == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceMarked, queue.AttendanceMarked{
		RecordID:  rec.ID,
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		Photo:     rec.Photo,
		MarkedAt:  rec.MarkedAt,
	})
	if err != nil {
		slog.Error("encode attendance event", "record_id", rec.ID, "err", err)
		return
	}
	// the record is already committed; don't let the request deadline drop the event
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.Publisher.Publish(pubCtx, msg); err != nil {
		slog.Warn("queue publish failed", "record_id", rec.ID, "err", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAccepted
	case errors.Is(err, model.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, model.ErrExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, model.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, model.ErrNoMatch):
		return metrics.OutcomeNoMatch
	case errors.Is(err, model.ErrInvalidInput):
		return metrics.OutcomeInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
