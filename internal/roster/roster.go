// Package roster is the student directory: enrollment, lookup by id and the
// embedding gallery used by identify mode.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"classattend/internal/checks"
	"classattend/internal/clock"
	"classattend/internal/model"
)

// Store persists students. StudentByID returns (nil, nil) when absent.
type Store interface {
	CreateStudent(ctx context.Context, s model.Student) (model.Student, error)
	StudentByID(ctx context.Context, id string) (*model.Student, error)
	ListStudents(ctx context.Context) ([]model.Student, error)
	StudentsWithEmbedding(ctx context.Context) ([]model.Student, error)
}

// Service enrolls and looks up students.
type Service struct {
	store Store
	clock clock.Clock
	dim   int
}

// NewService builds a directory over store. A positive dim pins the
// embedding length every enrolled face must have.
func NewService(store Store, clk clock.Clock, dim int) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{store: store, clock: clk, dim: dim}
}

// Enroll adds a student and assigns the next sequential id.
func (s *Service) Enroll(ctx context.Context, name string, embedding []float64) (model.Student, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Student{}, fmt.Errorf("%w: student name required", model.ErrInvalidInput)
	}
	if len(embedding) > 0 {
		if err := s.checkEmbedding(embedding); err != nil {
			return model.Student{}, err
		}
	}
	st, err := s.store.CreateStudent(ctx, model.Student{
		Name:      name,
		Embedding: embedding,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return model.Student{}, fmt.Errorf("enroll student: %w", err)
	}
	slog.Info("student enrolled", "student_id", st.ID, "has_embedding", st.HasEmbedding())
	return st, nil
}

// Find returns the student with id or model.ErrNotFound.
func (s *Service) Find(ctx context.Context, id string) (model.Student, error) {
	st, err := s.store.StudentByID(ctx, id)
	if err != nil {
		return model.Student{}, fmt.Errorf("load student: %w", err)
	}
	if st == nil {
		return model.Student{}, fmt.Errorf("%w: student %s", model.ErrNotFound, id)
	}
	return *st, nil
}

// List returns every student in id order.
func (s *Service) List(ctx context.Context) ([]model.Student, error) {
	return s.store.ListStudents(ctx)
}

// Gallery returns every enrolled face as identify-mode candidates.
func (s *Service) Gallery(ctx context.Context) ([]checks.Candidate, error) {
	students, err := s.store.StudentsWithEmbedding(ctx)
	if err != nil {
		return nil, fmt.Errorf("load gallery: %w", err)
	}
	out := make([]checks.Candidate, 0, len(students))
	for _, st := range students {
		out = append(out, checks.Candidate{StudentID: st.ID, Embedding: st.Embedding})
	}
	return out, nil
}

func (s *Service) checkEmbedding(v []float64) error {
	if !checks.Finite(v) {
		return fmt.Errorf("%w: embedding contains non-finite values", model.ErrInvalidInput)
	}
	if s.dim > 0 && len(v) != s.dim {
		return fmt.Errorf("%w: embedding has %d values, want %d", model.ErrInvalidInput, len(v), s.dim)
	}
	return nil
}
