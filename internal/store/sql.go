package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classattend/internal/model"
)

// maxSeqAttempts bounds retries when two enrollments race for the same
// sequential student id.
const maxSeqAttempts = 5

// SQL persists sessions, students and attendance in Postgres or SQLite.
type SQL struct {
	db *DB
}

// NewSQL creates a store over an opened DB.
func NewSQL(db *DB) *SQL {
	return &SQL{db: db}
}

// Ping verifies connectivity.
func (s *SQL) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// ---- Sessions ----

// CreateSession inserts a new session.
func (s *SQL) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO sessions (id, token, anchor_lat, anchor_lon, expected_network, course, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.Token, sess.Anchor.Latitude, sess.Anchor.Longitude, sess.ExpectedNetwork, sess.Course,
		toNanos(sess.CreatedAt), toNanos(sess.ExpiresAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: session token", model.ErrConflict)
	}
	return err
}

const sessionColumns = `id, token, anchor_lat, anchor_lon, expected_network, course, created_at, expires_at`

// SessionByToken returns the session for token, or (nil, nil).
func (s *SQL) SessionByToken(ctx context.Context, token string) (*model.Session, error) {
	row := s.db.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *SQL) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		sess               model.Session
		created, expiresAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Token, &sess.Anchor.Latitude, &sess.Anchor.Longitude,
		&sess.ExpectedNetwork, &sess.Course, &created, &expiresAt); err != nil {
		return model.Session{}, err
	}
	sess.CreatedAt = fromNanos(created)
	sess.ExpiresAt = fromNanos(expiresAt)
	return sess, nil
}

// ---- Students ----

// CreateStudent assigns the next sequential id and inserts st.
func (s *SQL) CreateStudent(ctx context.Context, st model.Student) (model.Student, error) {
	emb, err := encodeEmbedding(st.Embedding)
	if err != nil {
		return model.Student{}, err
	}
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		var seq int64
		if err := s.db.queryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM students`).Scan(&seq); err != nil {
			return model.Student{}, fmt.Errorf("next student seq: %w", err)
		}
		st.ID = model.StudentIDFor(seq)
		_, err = s.db.exec(ctx, `
			INSERT INTO students (id, seq, name, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, st.ID, seq, st.Name, emb, toNanos(st.CreatedAt))
		if err == nil {
			return st, nil
		}
		if !isUniqueViolation(err) {
			return model.Student{}, err
		}
	}
	return model.Student{}, fmt.Errorf("%w: student id allocation contended", model.ErrConflict)
}

// StudentByID returns a student, or (nil, nil).
func (s *SQL) StudentByID(ctx context.Context, id string) (*model.Student, error) {
	row := s.db.queryRow(ctx, `SELECT id, name, embedding, created_at FROM students WHERE id = $1`, id)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStudents returns every student in id order.
func (s *SQL) ListStudents(ctx context.Context) ([]model.Student, error) {
	return s.listStudents(ctx, `SELECT id, name, embedding, created_at FROM students ORDER BY seq`)
}

// StudentsWithEmbedding returns the identification gallery.
func (s *SQL) StudentsWithEmbedding(ctx context.Context) ([]model.Student, error) {
	return s.listStudents(ctx, `SELECT id, name, embedding, created_at FROM students WHERE embedding IS NOT NULL ORDER BY seq`)
}

func (s *SQL) listStudents(ctx context.Context, query string) ([]model.Student, error) {
	rows, err := s.db.query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func scanStudent(row scanner) (model.Student, error) {
	var (
		st      model.Student
		emb     sql.NullString
		created int64
	)
	if err := row.Scan(&st.ID, &st.Name, &emb, &created); err != nil {
		return model.Student{}, err
	}
	vec, err := decodeEmbedding(emb)
	if err != nil {
		return model.Student{}, fmt.Errorf("student %s: %w", st.ID, err)
	}
	st.Embedding = vec
	st.CreatedAt = fromNanos(created)
	return st, nil
}

// ---- Attendance ----

// HasRecord reports whether studentID already holds a record under dedupKey.
func (s *SQL) HasRecord(ctx context.Context, studentID, dedupKey string) (bool, error) {
	var n int
	err := s.db.queryRow(ctx, `
		SELECT COUNT(1) FROM attendance_records WHERE student_id = $1 AND dedup_key = $2
	`, studentID, dedupKey).Scan(&n)
	return n > 0, err
}

// InsertRecord writes rec. A duplicate (student_id, dedup_key) yields
// model.ErrConflict.
func (s *SQL) InsertRecord(ctx context.Context, rec model.AttendanceRecord) error {
	emb, err := encodeEmbedding(rec.Embedding)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, dedup_key, marked_at,
			geo_valid, network_valid, biometric_valid, latitude, longitude, distance_m, network, photo, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.DedupKey, toNanos(rec.MarkedAt),
		rec.GeoValid, rec.NetworkValid, rec.BiometricValid, rec.Location.Latitude, rec.Location.Longitude,
		rec.DistanceMeters, rec.Network, rec.Photo, emb)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: student %s", model.ErrConflict, rec.StudentID)
	}
	return err
}

const recordColumns = `id, session_id, student_id, dedup_key, marked_at, geo_valid, network_valid, biometric_valid,
	latitude, longitude, distance_m, network, photo, embedding`

// RecordByID returns a record, or (nil, nil).
func (s *SQL) RecordByID(ctx context.Context, id string) (*model.AttendanceRecord, error) {
	row := s.db.queryRow(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records matching f, newest first.
func (s *SQL) ListRecords(ctx context.Context, f model.RecordFilter) ([]model.AttendanceRecord, error) {
	limit, offset := f.Page()

	var (
		args    []any
		clauses []string
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, clause+" $"+strconv.Itoa(len(args)))
	}
	if f.SessionID != "" {
		add("session_id =", f.SessionID)
	}
	if f.StudentID != "" {
		add("student_id =", f.StudentID)
	}
	if !f.From.IsZero() {
		add("marked_at >=", toNanos(f.From))
	}
	if !f.To.IsZero() {
		add("marked_at <", toNanos(f.To))
	}

	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY marked_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRecord(row scanner) (model.AttendanceRecord, error) {
	var (
		rec    model.AttendanceRecord
		marked int64
		emb    sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.DedupKey, &marked,
		&rec.GeoValid, &rec.NetworkValid, &rec.BiometricValid, &rec.Location.Latitude, &rec.Location.Longitude,
		&rec.DistanceMeters, &rec.Network, &rec.Photo, &emb); err != nil {
		return model.AttendanceRecord{}, err
	}
	vec, err := decodeEmbedding(emb)
	if err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Embedding = vec
	rec.MarkedAt = fromNanos(marked)
	return rec, nil
}

// ---- Audit ----

// InsertAudit stores the worker's audit result for a record. Re-processing a
// record keeps the first entry.
func (s *SQL) InsertAudit(ctx context.Context, a model.AuditEntry) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO attendance_audit (record_id, photo_url, face_score, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id) DO NOTHING
	`, a.RecordID, a.PhotoURL, a.FaceScore, toNanos(a.ProcessedAt))
	return err
}

// AuditByRecord returns the audit entry for a record, or (nil, nil).
func (s *SQL) AuditByRecord(ctx context.Context, recordID string) (*model.AuditEntry, error) {
	var (
		a         model.AuditEntry
		score     sql.NullFloat64
		processed int64
	)
	err := s.db.queryRow(ctx, `
		SELECT record_id, photo_url, face_score, processed_at FROM attendance_audit WHERE record_id = $1
	`, recordID).Scan(&a.RecordID, &a.PhotoURL, &score, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if score.Valid {
		a.FaceScore = &score.Float64
	}
	a.ProcessedAt = fromNanos(processed)
	return &a, nil
}

// ---- helpers ----

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func encodeEmbedding(v []float64) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode embedding: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeEmbedding(s sql.NullString) ([]float64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return v, nil
}
