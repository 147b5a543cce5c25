package store

import (
	"context"

	"classattend/internal/model"
)

// Store is the full persistence surface used by the api and worker binaries.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	Ping(ctx context.Context) error

	// ---- Sessions ----

	CreateSession(ctx context.Context, s model.Session) error
	SessionByToken(ctx context.Context, token string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)

	// ---- Students ----

	// CreateStudent assigns the next sequential id (S001, S002, ...).
	CreateStudent(ctx context.Context, st model.Student) (model.Student, error)
	StudentByID(ctx context.Context, id string) (*model.Student, error)
	ListStudents(ctx context.Context) ([]model.Student, error)
	StudentsWithEmbedding(ctx context.Context) ([]model.Student, error)

	// ---- Attendance ----

	HasRecord(ctx context.Context, studentID, dedupKey string) (bool, error)
	// InsertRecord fails with model.ErrConflict on a duplicate dedup key.
	InsertRecord(ctx context.Context, rec model.AttendanceRecord) error
	RecordByID(ctx context.Context, id string) (*model.AttendanceRecord, error)
	ListRecords(ctx context.Context, f model.RecordFilter) ([]model.AttendanceRecord, error)

	// ---- Audit ----

	InsertAudit(ctx context.Context, a model.AuditEntry) error
	AuditByRecord(ctx context.Context, recordID string) (*model.AuditEntry, error)
}

var (
	_ Store = (*SQL)(nil)
	_ Store = (*Memory)(nil)
)

// DriverMemory selects the in-process store.
const DriverMemory = "memory"

// OpenBackend returns the store selected by driver together with its closer.
func OpenBackend(ctx context.Context, driver, dsn string) (Store, func() error, error) {
	if driver == DriverMemory {
		return NewMemory(), func() error { return nil }, nil
	}
	db, err := Open(ctx, driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	return NewSQL(db), db.Close, nil
}
