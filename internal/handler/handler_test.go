package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/clock"
	"classattend/internal/cloudinary"
	"classattend/internal/handler"
	"classattend/internal/ledger"
	"classattend/internal/model"
	"classattend/internal/report"
	"classattend/internal/roster"
	"classattend/internal/session"
	"classattend/internal/store"
)

const (
	signingKey = "handler-test-key"
	issuer     = "classattend"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type server struct {
	t      *testing.T
	router *gin.Engine
	clock  *clock.Fake
	h      *handler.Handler
	bearer string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(start)
	st := store.NewMemory()
	sessions := session.NewManager(st, clk, session.Config{})
	dir := roster.NewService(st, clk, 0)
	led := ledger.New(st)
	h := &handler.Handler{
		Sessions:      sessions,
		Roster:        dir,
		Ledger:        led,
		Attendance:    attendance.NewService(attendance.Deps{Sessions: sessions, Directory: dir, Ledger: led, Clock: clk}, attendance.Config{}),
		PublicBaseURL: "https://attend.test",
	}

	r := gin.New()
	passthrough := func(c *gin.Context) { c.Next() }
	h.Register(r, auth.InstructorAuth(signingKey, issuer), passthrough)

	token, _, err := auth.Issue("prof-1", auth.RoleInstructor, issuer, signingKey, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &server{t: t, router: r, clock: clk, h: h, bearer: "Bearer " + token}
}

func (s *server) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", s.bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type sessionResp struct {
	ID               string `json:"id"`
	Token            string `json:"token"`
	Status           string `json:"status"`
	RemainingSeconds int    `json:"remaining_seconds"`
	CheckinURL       string `json:"checkin_url"`
}

func (s *server) createSession() sessionResp {
	s.t.Helper()
	w := s.do(http.MethodPost, "/v1/sessions", map[string]any{
		"latitude": 12.9716, "longitude": 77.5946, "expected_network": "CollegeWiFi", "course": "CS101",
	}, true)
	if w.Code != http.StatusCreated {
		s.t.Fatalf("create session: status %d body %s", w.Code, w.Body.String())
	}
	return decode[sessionResp](s.t, w)
}

func (s *server) enroll(name string, emb []float64) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/v1/students", map[string]any{"name": name, "embedding": emb}, true)
	if w.Code != http.StatusCreated {
		s.t.Fatalf("enroll: status %d body %s", w.Code, w.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newServer(t)

	if w := s.do(http.MethodPost, "/v1/sessions", map[string]any{"latitude": 1, "longitude": 2}, false); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create: status %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/v1/sessions", map[string]any{"longitude": 2}, true); w.Code != http.StatusBadRequest {
		t.Fatalf("create without latitude: status %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/v1/sessions", map[string]any{"latitude": 1, "longitude": 2, "ttl_seconds": 7200}, true); w.Code != http.StatusBadRequest {
		t.Fatalf("create with oversized ttl: status %d", w.Code)
	}

	created := s.createSession()
	if created.Status != "active" || created.RemainingSeconds != 60 {
		t.Errorf("created = %+v", created)
	}
	if created.CheckinURL != "https://attend.test/checkin?token="+created.Token {
		t.Errorf("CheckinURL = %q", created.CheckinURL)
	}

	w := s.do(http.MethodGet, "/v1/sessions/"+created.Token, nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("get session: status %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("CollegeWiFi")) {
		t.Error("public session view leaks the expected network")
	}

	w = s.do(http.MethodGet, "/v1/sessions", nil, true)
	list := decode[struct {
		Sessions []sessionResp `json:"sessions"`
	}](t, w)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	s.clock.Advance(61 * time.Second)
	if w := s.do(http.MethodGet, "/v1/sessions/"+created.Token, nil, false); w.Code != http.StatusGone {
		t.Errorf("expired session: status %d, want 410", w.Code)
	}
	if w := s.do(http.MethodGet, "/v1/sessions/unknown", nil, false); w.Code != http.StatusNotFound {
		t.Errorf("unknown session: status %d, want 404", w.Code)
	}
}

func TestSessionQR(t *testing.T) {
	s := newServer(t)
	created := s.createSession()

	w := s.do(http.MethodGet, "/v1/sessions/"+created.Token+"/qr", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("qr: status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}

	if w := s.do(http.MethodGet, "/v1/sessions/"+created.Token+"/qr?size=9999", nil, false); w.Code != http.StatusBadRequest {
		t.Errorf("oversized qr: status %d", w.Code)
	}

	s.clock.Advance(2 * time.Minute)
	if w := s.do(http.MethodGet, "/v1/sessions/"+created.Token+"/qr", nil, false); w.Code != http.StatusGone {
		t.Errorf("expired qr: status %d, want 410", w.Code)
	}
}

func TestSubmitAttendance(t *testing.T) {
	s := newServer(t)
	s.enroll("Alice Johnson", []float64{0.1, 0.2, 0.3})
	s.enroll("Bob Smith", nil)
	sess := s.createSession()

	submit := func(body map[string]any) *httptest.ResponseRecorder {
		return s.do(http.MethodPost, "/v1/attendance", body, false)
	}
	here := map[string]float64{"latitude": 12.9716, "longitude": 77.5946}

	w := submit(map[string]any{
		"token": sess.Token, "student_id": "S001", "location": here, "network": "Guest",
		"biometric": map[string]any{"embedding": []float64{0.1, 0.2, 0.3}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", w.Code, w.Body.String())
	}
	got := decode[struct {
		Success bool            `json:"success"`
		Flags   map[string]bool `json:"flags"`
		Mode    string          `json:"mode"`
		Record  struct {
			StudentID string `json:"student_id"`
		} `json:"record"`
	}](t, w)
	if diff := cmp.Diff(map[string]bool{"geo": true, "network": false, "biometric": true}, got.Flags); diff != "" {
		t.Errorf("flags mismatch (-want +got):\n%s", diff)
	}
	if !got.Success || got.Mode != "verify" || got.Record.StudentID != "S001" {
		t.Errorf("response = %+v", got)
	}
	raw := decode[struct {
		Record map[string]any `json:"record"`
	}](t, w)
	for _, field := range []string{"embedding", "photo", "location"} {
		if _, ok := raw.Record[field]; ok {
			t.Errorf("submit response exposes record %s", field)
		}
	}

	type tcase struct {
		body map[string]any
		want int
	}
	tcases := map[string]tcase{
		"duplicate":        {map[string]any{"token": sess.Token, "student_id": "S001", "location": here}, http.StatusConflict},
		"unknown_session":  {map[string]any{"token": "nope", "student_id": "S002", "location": here}, http.StatusNotFound},
		"unknown_student":  {map[string]any{"token": sess.Token, "student_id": "S404", "location": here}, http.StatusNotFound},
		"missing_location": {map[string]any{"token": sess.Token, "student_id": "S002"}, http.StatusBadRequest},
		"bad_latitude":     {map[string]any{"token": sess.Token, "student_id": "S002", "location": map[string]float64{"latitude": 120}}, http.StatusBadRequest},
		"no_face_match": {
			map[string]any{"token": sess.Token, "location": here, "biometric": map[string]any{"embedding": []float64{5, 5, 5}}},
			http.StatusUnauthorized,
		},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if w := submit(tc.body); w.Code != tc.want {
				t.Fatalf("status %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}

	s.clock.Advance(2 * time.Minute)
	if w := submit(map[string]any{"token": sess.Token, "student_id": "S002", "location": here}); w.Code != http.StatusGone {
		t.Fatalf("expired submit: status %d, want 410", w.Code)
	}
}

func TestListAndExportAttendance(t *testing.T) {
	s := newServer(t)
	s.enroll("Alice Johnson", nil)
	s.enroll("Bob Smith", nil)
	sess := s.createSession()
	here := map[string]float64{"latitude": 12.9716, "longitude": 77.5946}
	for _, id := range []string{"S001", "S002"} {
		if w := s.do(http.MethodPost, "/v1/attendance", map[string]any{"token": sess.Token, "student_id": id, "location": here}, false); w.Code != http.StatusCreated {
			t.Fatalf("submit %s: status %d", id, w.Code)
		}
		s.clock.Advance(time.Second)
	}

	type records struct {
		Records []model.AttendanceRecord `json:"records"`
	}
	count := func(path string) int {
		w := s.do(http.MethodGet, path, nil, true)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, w.Code)
		}
		return len(decode[records](t, w).Records)
	}

	if n := count("/v1/attendance"); n != 2 {
		t.Errorf("all records = %d, want 2", n)
	}
	if n := count("/v1/sessions/" + sess.Token + "/attendance"); n != 2 {
		t.Errorf("session records = %d, want 2", n)
	}
	if n := count("/v1/students/S002/attendance"); n != 1 {
		t.Errorf("student records = %d, want 1", n)
	}
	if n := count("/v1/attendance?from=2026-03-03"); n != 0 {
		t.Errorf("records from tomorrow = %d, want 0", n)
	}
	if w := s.do(http.MethodGet, "/v1/attendance?from=yesterday", nil, true); w.Code != http.StatusBadRequest {
		t.Errorf("bad from: status %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/v1/students/S404/attendance", nil, true); w.Code != http.StatusNotFound {
		t.Errorf("unknown student: status %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/v1/attendance", nil, false); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list: status %d", w.Code)
	}

	w := s.do(http.MethodGet, "/v1/attendance/export", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != report.ContentType {
		t.Errorf("export Content-Type = %q", ct)
	}
	// xlsx is a zip archive
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Error("export body is not a zip archive")
	}
}

func TestSessionAttendanceBeyondOnePage(t *testing.T) {
	s := newServer(t)
	sess := s.createSession()
	here := map[string]float64{"latitude": 12.9716, "longitude": 77.5946}

	const n = model.DefaultPageSize + 10
	for i := 1; i <= n; i++ {
		s.enroll(fmt.Sprintf("Student %d", i), nil)
		body := map[string]any{"token": sess.Token, "student_id": model.StudentIDFor(int64(i)), "location": here}
		if w := s.do(http.MethodPost, "/v1/attendance", body, false); w.Code != http.StatusCreated {
			t.Fatalf("submit %d: status %d body %s", i, w.Code, w.Body.String())
		}
	}

	type page struct {
		Records    []model.AttendanceRecord `json:"records"`
		NextOffset *int                     `json:"next_offset"`
	}
	path := "/v1/sessions/" + sess.Token + "/attendance"
	first := decode[page](t, s.do(http.MethodGet, path, nil, true))
	if len(first.Records) != model.DefaultPageSize || first.NextOffset == nil || *first.NextOffset != model.DefaultPageSize {
		t.Fatalf("first page: %d records, next_offset %v", len(first.Records), first.NextOffset)
	}
	rest := decode[page](t, s.do(http.MethodGet, fmt.Sprintf("%s?offset=%d", path, *first.NextOffset), nil, true))
	if len(rest.Records) != 10 || rest.NextOffset != nil {
		t.Fatalf("second page: %d records, next_offset %v", len(rest.Records), rest.NextOffset)
	}

	w := s.do(http.MethodGet, "/v1/attendance/export?session_id="+sess.ID, nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d", w.Code)
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(report.SheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if got := len(rows) - 1; got != n {
		t.Errorf("exported %d records, want %d", got, n)
	}
}

func TestStudents(t *testing.T) {
	s := newServer(t)
	s.enroll("Alice Johnson", []float64{0.1, 0.2, 0.3})
	if w := s.do(http.MethodPost, "/v1/students", map[string]any{"name": ""}, true); w.Code != http.StatusBadRequest {
		t.Errorf("blank name: status %d", w.Code)
	}

	w := s.do(http.MethodGet, "/v1/students", nil, true)
	got := decode[struct {
		Students []model.Student `json:"students"`
	}](t, w)
	if len(got.Students) != 1 || got.Students[0].ID != "S001" {
		t.Errorf("students = %+v", got.Students)
	}
}

type fakeUploader struct{ err error }

func (f fakeUploader) UploadFile(context.Context, string) (*cloudinary.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://res.test/p.jpg", PublicID: "p"}, nil
}

func (f fakeUploader) UploadBytes(context.Context, []byte, string) (*cloudinary.UploadResult, error) {
	return f.UploadFile(context.Background(), "")
}

func TestUpload(t *testing.T) {
	s := newServer(t)
	body := map[string]string{"data": "data:image/jpeg;base64,AAAA"}

	if w := s.do(http.MethodPost, "/v1/upload", body, false); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured upload: status %d", w.Code)
	}

	s.h.Uploader = fakeUploader{}
	w := s.do(http.MethodPost, "/v1/upload", body, false)
	if w.Code != http.StatusOK {
		t.Fatalf("upload: status %d", w.Code)
	}
	if got := decode[cloudinary.UploadResult](t, w); got.SecureURL != "https://res.test/p.jpg" {
		t.Errorf("upload result = %+v", got)
	}

	s.h.Uploader = fakeUploader{err: errors.New("cloudinary down")}
	if w := s.do(http.MethodPost, "/v1/upload", body, false); w.Code != http.StatusBadGateway {
		t.Errorf("failing upload: status %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	s.h.Checks = map[string]handler.HealthCheck{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}
	w := s.do(http.MethodGet, "/healthz", nil, false)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["db"] != true || got["redis"] != false || got["status"] != "degraded" {
		t.Errorf("health = %v", got)
	}
}
