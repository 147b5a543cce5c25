package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"classattend/internal/model"
	"classattend/internal/store"
)

func NewTestSqlConn(t *testing.T) *store.SQL {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(context.Background(), store.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("store_test: failed to open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})
	return store.NewSQL(db)
}

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	return map[string]store.Store{
		"sqlite": NewTestSqlConn(t),
		"memory": store.NewMemory(),
	}
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seedSession(t *testing.T, st store.Store, token string) model.Session {
	t.Helper()
	s := model.Session{
		ID:              uuid.NewString(),
		Token:           token,
		Anchor:          model.Coordinates{Latitude: 12.9716, Longitude: 77.5946},
		ExpectedNetwork: "CollegeWiFi",
		Course:          "CS101",
		CreatedAt:       base,
		ExpiresAt:       base.Add(time.Minute),
	}
	if err := st.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func seedStudent(t *testing.T, st store.Store, name string, emb []float64) model.Student {
	t.Helper()
	s, err := st.CreateStudent(context.Background(), model.Student{Name: name, Embedding: emb, CreatedAt: base})
	if err != nil {
		t.Fatalf("CreateStudent: %v", err)
	}
	return s
}

func newRecord(sess model.Session, studentID string, at time.Time) model.AttendanceRecord {
	return model.AttendanceRecord{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		StudentID:      studentID,
		DedupKey:       "session:" + sess.ID,
		MarkedAt:       at,
		GeoValid:       true,
		NetworkValid:   false,
		BiometricValid: true,
		Location:       model.Coordinates{Latitude: 12.9717, Longitude: 77.5947},
		DistanceMeters: 15.3,
		Network:        "Guest",
		Photo:          "https://example.test/p.jpg",
		Embedding:      []float64{0.1, 0.2, 0.3},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := seedSession(t, st, "tok-a")

			got, err := st.SessionByToken(ctx, "tok-a")
			if err != nil {
				t.Fatalf("SessionByToken: %v", err)
			}
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("SessionByToken mismatch (-want +got):\n%s", diff)
			}

			missing, err := st.SessionByToken(ctx, "nope")
			if err != nil || missing != nil {
				t.Errorf("SessionByToken(missing) = (%v, %v), want (nil, nil)", missing, err)
			}

			dup := want
			dup.ID = uuid.NewString()
			if err := st.CreateSession(ctx, dup); !errors.Is(err, model.ErrConflict) {
				t.Errorf("duplicate token: err = %v, want ErrConflict", err)
			}
		})
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	st := NewTestSqlConn(t)
	ctx := context.Background()

	older := seedSession(t, st, "tok-old")
	newer := model.Session{
		ID: uuid.NewString(), Token: "tok-new",
		CreatedAt: base.Add(time.Hour), ExpiresAt: base.Add(2 * time.Hour),
	}
	if err := st.CreateSession(ctx, newer); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	ids := []string{}
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{newer.ID, older.ID}, ids); diff != "" {
		t.Errorf("ListSessions order mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateStudentSequentialIDs(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := seedStudent(t, st, "Alice Johnson", []float64{0.1, 0.2, 0.3})
			b := seedStudent(t, st, "Bob Smith", nil)

			if a.ID != "S001" || b.ID != "S002" {
				t.Fatalf("ids = %s, %s; want S001, S002", a.ID, b.ID)
			}

			got, err := st.StudentByID(ctx, "S001")
			if err != nil {
				t.Fatalf("StudentByID: %v", err)
			}
			if diff := cmp.Diff(&a, got); diff != "" {
				t.Errorf("StudentByID mismatch (-want +got):\n%s", diff)
			}

			gallery, err := st.StudentsWithEmbedding(ctx)
			if err != nil {
				t.Fatalf("StudentsWithEmbedding: %v", err)
			}
			if len(gallery) != 1 || gallery[0].ID != "S001" {
				t.Errorf("gallery = %+v, want only S001", gallery)
			}

			all, err := st.ListStudents(ctx)
			if err != nil {
				t.Fatalf("ListStudents: %v", err)
			}
			if len(all) != 2 {
				t.Errorf("ListStudents len = %d, want 2", len(all))
			}
		})
	}
}

func TestInsertRecordConflict(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := seedSession(t, st, "tok-"+name)
			stu := seedStudent(t, st, "Alice Johnson", nil)

			first := newRecord(sess, stu.ID, base.Add(10*time.Second))
			if err := st.InsertRecord(ctx, first); err != nil {
				t.Fatalf("InsertRecord: %v", err)
			}

			has, err := st.HasRecord(ctx, stu.ID, first.DedupKey)
			if err != nil || !has {
				t.Fatalf("HasRecord = (%v, %v), want (true, nil)", has, err)
			}

			second := newRecord(sess, stu.ID, base.Add(20*time.Second))
			if err := st.InsertRecord(ctx, second); !errors.Is(err, model.ErrConflict) {
				t.Fatalf("second InsertRecord err = %v, want ErrConflict", err)
			}

			got, err := st.RecordByID(ctx, first.ID)
			if err != nil {
				t.Fatalf("RecordByID: %v", err)
			}
			if diff := cmp.Diff(&first, got); diff != "" {
				t.Errorf("RecordByID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInsertRecordConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := seedSession(t, st, "tok-race-"+name)
			stu := seedStudent(t, st, "Racer", nil)

			const n = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				ok        int
				conflicts int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := st.InsertRecord(ctx, newRecord(sess, stu.ID, base))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, model.ErrConflict):
						conflicts++
					default:
						t.Errorf("InsertRecord: unexpected error %v", err)
					}
				}()
			}
			wg.Wait()

			if ok != 1 || conflicts != n-1 {
				t.Fatalf("ok=%d conflicts=%d, want 1 and %d", ok, conflicts, n-1)
			}
			recs, err := st.ListRecords(ctx, model.RecordFilter{StudentID: stu.ID})
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("records = %d, want 1", len(recs))
			}
		})
	}
}

func TestListRecordsFilter(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s1 := seedSession(t, st, "tok-1-"+name)
			s2 := seedSession(t, st, "tok-2-"+name)
			alice := seedStudent(t, st, "Alice", nil)
			bob := seedStudent(t, st, "Bob", nil)

			recs := []model.AttendanceRecord{
				newRecord(s1, alice.ID, base.Add(1*time.Minute)),
				newRecord(s1, bob.ID, base.Add(2*time.Minute)),
				newRecord(s2, alice.ID, base.Add(3*time.Minute)),
			}
			for _, r := range recs {
				if err := st.InsertRecord(ctx, r); err != nil {
					t.Fatalf("InsertRecord: %v", err)
				}
			}

			type tcase struct {
				filter model.RecordFilter
				want   []string
			}
			tcases := map[string]tcase{
				"all_newest_first": {model.RecordFilter{}, []string{recs[2].ID, recs[1].ID, recs[0].ID}},
				"by_session":       {model.RecordFilter{SessionID: s1.ID}, []string{recs[1].ID, recs[0].ID}},
				"by_student":       {model.RecordFilter{StudentID: alice.ID}, []string{recs[2].ID, recs[0].ID}},
				"date_range": {
					model.RecordFilter{From: base.Add(90 * time.Second), To: base.Add(3 * time.Minute)},
					[]string{recs[1].ID},
				},
				"paged": {model.RecordFilter{Limit: 1, Offset: 1}, []string{recs[1].ID}},
			}
			for tname, tc := range tcases {
				got, err := st.ListRecords(ctx, tc.filter)
				if err != nil {
					t.Fatalf("%s: ListRecords: %v", tname, err)
				}
				ids := []string{}
				for _, r := range got {
					ids = append(ids, r.ID)
				}
				if diff := cmp.Diff(tc.want, ids, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("%s: ids mismatch (-want +got):\n%s", tname, diff)
				}
			}
		})
	}
}

func TestAuditKeepsFirstEntry(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := seedSession(t, st, "tok-audit-"+name)
			stu := seedStudent(t, st, "Alice", nil)
			rec := newRecord(sess, stu.ID, base)
			if err := st.InsertRecord(ctx, rec); err != nil {
				t.Fatalf("InsertRecord: %v", err)
			}

			score := 0.93
			first := model.AuditEntry{RecordID: rec.ID, PhotoURL: "https://cdn.test/a.jpg", FaceScore: &score, ProcessedAt: base.Add(time.Second)}
			if err := st.InsertAudit(ctx, first); err != nil {
				t.Fatalf("InsertAudit: %v", err)
			}
			if err := st.InsertAudit(ctx, model.AuditEntry{RecordID: rec.ID, PhotoURL: "https://cdn.test/b.jpg", ProcessedAt: base}); err != nil {
				t.Fatalf("InsertAudit again: %v", err)
			}

			got, err := st.AuditByRecord(ctx, rec.ID)
			if err != nil {
				t.Fatalf("AuditByRecord: %v", err)
			}
			if diff := cmp.Diff(&first, got); diff != "" {
				t.Errorf("AuditByRecord mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
