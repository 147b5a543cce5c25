// Package ledger owns accepted attendance records and the one-record-per-scope
// rule. Within a process the dedup check and the append for a key are
// serialized by Lock; across processes the store's unique constraint on
// (student_id, dedup_key) has the final word.
package ledger

import (
	"context"
	"fmt"

	"classattend/internal/model"
)

// Store is the persistence the ledger needs.
type Store interface {
	HasRecord(ctx context.Context, studentID, dedupKey string) (bool, error)
	InsertRecord(ctx context.Context, rec model.AttendanceRecord) error
	ListRecords(ctx context.Context, f model.RecordFilter) ([]model.AttendanceRecord, error)
}

// Scope is the key space within which a student may hold one record.
type Scope struct {
	Key string
}

// ScopeFor returns the dedup scope of a session: one record per student per
// session.
func ScopeFor(s model.Session) Scope {
	return Scope{Key: "session:" + s.ID}
}

// Ledger guards appends to the attendance store.
type Ledger struct {
	store Store
	locks *keyedMutex
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, locks: newKeyedMutex()}
}

// Lock serializes check-then-append for (studentID, scope) within this
// process. It returns ctx's error if the lock is not acquired before ctx
// ends. The returned func releases the lock.
func (l *Ledger) Lock(ctx context.Context, studentID string, scope Scope) (unlock func(), err error) {
	return l.locks.lock(ctx, studentID+"|"+scope.Key)
}

// HasExisting reports whether studentID already holds a record in scope.
func (l *Ledger) HasExisting(ctx context.Context, studentID string, scope Scope) (bool, error) {
	ok, err := l.store.HasRecord(ctx, studentID, scope.Key)
	if err != nil {
		return false, fmt.Errorf("check existing attendance: %w", err)
	}
	return ok, nil
}

// Append stores rec under scope. A duplicate detected by the store is
// reported as model.ErrConflict.
func (l *Ledger) Append(ctx context.Context, rec model.AttendanceRecord, scope Scope) (model.AttendanceRecord, error) {
	if rec.ID == "" || rec.SessionID == "" || rec.StudentID == "" {
		return model.AttendanceRecord{}, fmt.Errorf("%w: record requires id, session and student", model.ErrInvalidInput)
	}
	rec.DedupKey = scope.Key
	if err := l.store.InsertRecord(ctx, rec); err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("append attendance: %w", err)
	}
	return rec, nil
}

// List returns records matching f, newest first.
func (l *Ledger) List(ctx context.Context, f model.RecordFilter) ([]model.AttendanceRecord, error) {
	return l.store.ListRecords(ctx, f)
}

// ListAll pages through every record matching f, ignoring its Limit and
// Offset. Records appended while paging may be missed but never repeat.
func (l *Ledger) ListAll(ctx context.Context, f model.RecordFilter) ([]model.AttendanceRecord, error) {
	f.Limit, f.Offset = model.MaxPageSize, 0
	var (
		all  []model.AttendanceRecord
		seen = make(map[string]bool)
	)
	for {
		page, err := l.store.ListRecords(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			if !seen[rec.ID] {
				seen[rec.ID] = true
				all = append(all, rec)
			}
		}
		if len(page) < f.Limit {
			return all, nil
		}
		f.Offset += len(page)
	}
}
