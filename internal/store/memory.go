package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"classattend/internal/model"
)

// Memory is an in-process store for development and tests. It enforces the
// same uniqueness rules as the SQL schema.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]model.Session // by token
	students map[string]model.Student
	seq      int64
	records  map[string]model.AttendanceRecord
	dedup    map[string]string // student|dedup_key -> record id
	audit    map[string]model.AuditEntry
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]model.Session),
		students: make(map[string]model.Student),
		records:  make(map[string]model.AttendanceRecord),
		dedup:    make(map[string]string),
		audit:    make(map[string]model.AuditEntry),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// CreateSession stores s, rejecting a reused token with model.ErrConflict.
func (m *Memory) CreateSession(_ context.Context, s model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; ok {
		return fmt.Errorf("%w: session token", model.ErrConflict)
	}
	m.sessions[s.Token] = s
	return nil
}

// SessionByToken returns the session for token, or (nil, nil).
func (m *Memory) SessionByToken(_ context.Context, token string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (m *Memory) ListSessions(context.Context) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// CreateStudent assigns the next sequential id and stores st.
func (m *Memory) CreateStudent(_ context.Context, st model.Student) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	st.ID = model.StudentIDFor(m.seq)
	st.Embedding = append([]float64(nil), st.Embedding...)
	if len(st.Embedding) == 0 {
		st.Embedding = nil
	}
	m.students[st.ID] = st
	return st, nil
}

// StudentByID returns a student, or (nil, nil).
func (m *Memory) StudentByID(_ context.Context, id string) (*model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// ListStudents returns every student in id order.
func (m *Memory) ListStudents(context.Context) ([]model.Student, error) {
	return m.filterStudents(func(model.Student) bool { return true }), nil
}

// StudentsWithEmbedding returns the identification gallery.
func (m *Memory) StudentsWithEmbedding(context.Context) ([]model.Student, error) {
	return m.filterStudents(model.Student.HasEmbedding), nil
}

func (m *Memory) filterStudents(keep func(model.Student) bool) []model.Student {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []model.Student
	for _, st := range m.students {
		if keep(st) {
			res = append(res, st)
		}
	}
	// ids are zero-padded but may outgrow the padding; order by length first
	sort.Slice(res, func(i, j int) bool {
		if len(res[i].ID) != len(res[j].ID) {
			return len(res[i].ID) < len(res[j].ID)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// HasRecord reports whether studentID already holds a record under dedupKey.
func (m *Memory) HasRecord(_ context.Context, studentID, dedupKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dedup[studentID+"|"+dedupKey]
	return ok, nil
}

// InsertRecord stores rec. A second record for the same student and dedup
// key fails with model.ErrConflict.
func (m *Memory) InsertRecord(ctx context.Context, rec model.AttendanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.StudentID + "|" + rec.DedupKey
	if _, ok := m.dedup[key]; ok {
		return fmt.Errorf("%w: student %s", model.ErrConflict, rec.StudentID)
	}
	m.dedup[key] = rec.ID
	m.records[rec.ID] = rec
	return nil
}

// RecordByID returns a record, or (nil, nil).
func (m *Memory) RecordByID(_ context.Context, id string) (*model.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ListRecords returns records matching f, newest first.
func (m *Memory) ListRecords(_ context.Context, f model.RecordFilter) ([]model.AttendanceRecord, error) {
	limit, offset := f.Page()

	m.mu.RLock()
	var res []model.AttendanceRecord
	for _, rec := range m.records {
		switch {
		case f.SessionID != "" && rec.SessionID != f.SessionID:
			continue
		case f.StudentID != "" && rec.StudentID != f.StudentID:
			continue
		case !f.From.IsZero() && rec.MarkedAt.Before(f.From):
			continue
		case !f.To.IsZero() && !rec.MarkedAt.Before(f.To):
			continue
		}
		res = append(res, rec)
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].MarkedAt.After(res[j].MarkedAt) })
	if offset >= len(res) {
		return nil, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// InsertAudit stores the audit entry for a record, keeping the first one.
func (m *Memory) InsertAudit(_ context.Context, a model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.audit[a.RecordID]; !ok {
		m.audit[a.RecordID] = a
	}
	return nil
}

// AuditByRecord returns the audit entry for a record, or (nil, nil).
func (m *Memory) AuditByRecord(_ context.Context, recordID string) (*model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.audit[recordID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}
