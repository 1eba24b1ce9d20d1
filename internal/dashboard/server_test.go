package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/session"
)

type fakeSessions struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (f *fakeSessions) Snapshots() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Snapshot(nil), f.snaps...)
}

func (f *fakeSessions) Snapshot(owner string) (session.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snaps {
		if s.Owner == owner {
			return s, true
		}
	}
	return session.Snapshot{}, false
}

func (f *fakeSessions) set(snaps ...session.Snapshot) {
	f.mu.Lock()
	f.snaps = snaps
	f.mu.Unlock()
}

type failingReader struct{}

func (failingReader) Recent(context.Context, string, int) ([]audit.Execution, error) {
	return nil, errors.New("database is locked")
}

func (failingReader) CountByKind(context.Context, time.Time) (map[string]int64, error) {
	return nil, errors.New("database is locked")
}

func openTestAudit(t *testing.T) *audit.Store {
	t.Helper()
	db, err := audit.Open("sqlite", filepath.Join(t.TempDir(), "audit.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	if err := audit.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := audit.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func record(t *testing.T, store *audit.Store, owner, kind string, argv ...string) {
	t.Helper()
	e := &audit.Execution{Owner: owner, Kind: kind, Platform: "slack"}
	if err := e.SetArgv(argv); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(context.Background(), e); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func newTestServer(t *testing.T, sessions SessionLister, execs ExecutionReader) *Server {
	t.Helper()
	s, err := New(Opts{Sessions: sessions, Executions: execs, Port: 8080})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestNew_RequiresSessions(t *testing.T) {
	_, err := New(Opts{Port: 8080})
	if err == nil || !strings.Contains(err.Error(), "session lister is required") {
		t.Fatalf("err = %v, want session lister error", err)
	}
}

func TestNew_RequiresPort(t *testing.T) {
	_, err := New(Opts{Sessions: &fakeSessions{}})
	if err == nil || !strings.Contains(err.Error(), "port must be positive") {
		t.Fatalf("err = %v, want port error", err)
	}
}

func TestNew_DefaultBind(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, nil)
	if s.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr = %q, want 127.0.0.1:8080", s.Addr())
	}
}

func TestHealthz(t *testing.T) {
	sessions := &fakeSessions{}
	sessions.set(session.Snapshot{Owner: "slack:U1", State: "initialized"})
	s := newTestServer(t, sessions, nil)

	w := get(t, s, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Audit    bool   `json:"audit"`
	}
	decode(t, w, &body)
	if body.Status != "ok" || body.Sessions != 1 || body.Audit {
		t.Errorf("body = %+v", body)
	}
}

func TestSessions_SortedByActivity(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{}
	sessions.set(
		session.Snapshot{Owner: "slack:old", State: "initialized", LastActivityAt: now.Add(-10 * time.Minute)},
		session.Snapshot{Owner: "discord:new", State: "ready", Files: []string{"clip.mp4"}, LastActivityAt: now.Add(-5 * time.Second)},
	)
	s := newTestServer(t, sessions, nil)

	w := get(t, s, "/api/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Sessions []SessionRow `json:"sessions"`
	}
	decode(t, w, &body)
	if len(body.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(body.Sessions))
	}
	if body.Sessions[0].Owner != "discord:new" {
		t.Errorf("first session = %q, want the most recently active", body.Sessions[0].Owner)
	}
	if len(body.Sessions[0].Files) != 1 || body.Sessions[0].Files[0] != "clip.mp4" {
		t.Errorf("files = %v", body.Sessions[0].Files)
	}
	if body.Sessions[1].IdleFor != "10m ago" {
		t.Errorf("idle_for = %q, want 10m ago", body.Sessions[1].IdleFor)
	}
}

func TestSessions_EmptyIsArray(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, nil)
	w := get(t, s, "/api/sessions")
	if !strings.Contains(w.Body.String(), `"sessions":[]`) {
		t.Errorf("body = %s, want an empty array", w.Body.String())
	}
}

func TestSession_ByOwner(t *testing.T) {
	sessions := &fakeSessions{}
	sessions.set(session.Snapshot{Owner: "slack:U1", State: "initialized", Pre: "-ss 1"})
	s := newTestServer(t, sessions, nil)

	w := get(t, s, "/api/sessions/slack:U1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var row SessionRow
	decode(t, w, &row)
	if row.Pre != "-ss 1" {
		t.Errorf("pre = %q", row.Pre)
	}

	if w := get(t, s, "/api/sessions/slack:U2"); w.Code != http.StatusNotFound {
		t.Errorf("unknown owner status = %d, want 404", w.Code)
	}
}

func TestExecutions_WithoutAudit(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, nil)
	for _, path := range []string{"/api/executions", "/api/stats"} {
		if w := get(t, s, path); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, w.Code)
		}
	}
}

func TestExecutions_ListsNewestFirst(t *testing.T) {
	store := openTestAudit(t)
	record(t, store, "slack:U1", "succeeded", "ffmpeg", "-i", "a.mp4", "out.gif")
	record(t, store, "discord:42", "processing_failed", "ffmpeg", "-i", "b.mp4", "out.mp4")
	s := newTestServer(t, &fakeSessions{}, store)

	w := get(t, s, "/api/executions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Executions []ExecutionRow `json:"executions"`
	}
	decode(t, w, &body)
	if len(body.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(body.Executions))
	}
	if body.Executions[0].Owner != "discord:42" {
		t.Errorf("first = %q, want newest", body.Executions[0].Owner)
	}
	if got := strings.Join(body.Executions[1].Argv, " "); got != "ffmpeg -i a.mp4 out.gif" {
		t.Errorf("argv = %q", got)
	}
}

func TestExecutions_FilterAndLimit(t *testing.T) {
	store := openTestAudit(t)
	for range 3 {
		record(t, store, "slack:U1", "succeeded", "ffmpeg")
	}
	record(t, store, "slack:U2", "succeeded", "ffmpeg")
	s := newTestServer(t, &fakeSessions{}, store)

	var body struct {
		Executions []ExecutionRow `json:"executions"`
	}
	decode(t, get(t, s, "/api/executions?owner=slack:U1&limit=2"), &body)
	if len(body.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(body.Executions))
	}
	for _, e := range body.Executions {
		if e.Owner != "slack:U1" {
			t.Errorf("owner = %q, want slack:U1", e.Owner)
		}
	}
}

func TestExecutions_BadLimit(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, openTestAudit(t))
	for _, v := range []string{"0", "-1", "lots"} {
		if w := get(t, s, "/api/executions?limit="+v); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", v, w.Code)
		}
	}
}

func TestExecutions_ReaderError(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, failingReader{})
	w := get(t, s, "/api/executions")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "database is locked") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestStats(t *testing.T) {
	store := openTestAudit(t)
	record(t, store, "slack:U1", "succeeded")
	record(t, store, "slack:U1", "succeeded")
	record(t, store, "slack:U1", "timed_out")
	record(t, store, "slack:U2", "canceled")
	sessions := &fakeSessions{}
	sessions.set(session.Snapshot{Owner: "slack:U1"})
	s := newTestServer(t, sessions, store)

	w := get(t, s, "/api/stats?window=1h")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var st Stats
	decode(t, w, &st)
	if st.Total != 4 || st.Succeeded != 2 || st.Failed != 1 || st.Canceled != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.SuccessRate != 0.5 {
		t.Errorf("success_rate = %v, want 0.5", st.SuccessRate)
	}
	if st.Window != "1h0m0s" || st.OpenSessions != 1 {
		t.Errorf("window = %q, open_sessions = %d", st.Window, st.OpenSessions)
	}
}

func TestStats_BadWindow(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, openTestAudit(t))
	if w := get(t, s, "/api/stats?window=yesterday"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	s := newTestServer(t, &fakeSessions{}, nil)
	if w := get(t, s, "/nonexistent"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// readEvents collects SSE events from r until want events named name arrive.
func readEvents(t *testing.T, sc *bufio.Scanner, name string, want int) []string {
	t.Helper()
	var data []string
	var current string
	for sc.Scan() {
		line := sc.Text()
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch {
		case field == "event":
			current = value
		case field == "data" && current == name:
			data = append(data, value)
			if len(data) == want {
				return data
			}
		}
	}
	t.Fatalf("stream ended after %d %q events: %v", len(data), name, sc.Err())
	return nil
}

func TestEvents_StreamsSessionsAndExecutions(t *testing.T) {
	store := openTestAudit(t)
	record(t, store, "slack:U1", "succeeded", "ffmpeg")
	sessions := &fakeSessions{}
	sessions.set(session.Snapshot{Owner: "slack:U1", State: "initialized"})
	s := newTestServer(t, sessions, store)
	s.pollInterval = 20 * time.Millisecond

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content-type = %q", ct)
	}
	sc := bufio.NewScanner(resp.Body)

	first := readEvents(t, sc, "sessions", 1)[0]
	var ev sessionsEvent
	if err := json.Unmarshal([]byte(first), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Count != 1 || ev.Sessions[0].Owner != "slack:U1" {
		t.Errorf("sessions event = %+v", ev)
	}

	// The execution recorded before connecting is not replayed.
	record(t, store, "discord:42", "timed_out", "ffmpeg")
	data := readEvents(t, sc, "execution", 1)[0]
	var exec executionEvent
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		t.Fatal(err)
	}
	if exec.Execution.Owner != "discord:42" || exec.Execution.Kind != "timed_out" {
		t.Errorf("execution event = %+v", exec)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	var out strings.Builder
	s, err := New(Opts{Sessions: &fakeSessions{}, Port: port, Out: &out})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s, _ := New(Opts{Sessions: &fakeSessions{}, Port: port})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected listen error on a busy port")
	}
}

func TestBuildStats_Empty(t *testing.T) {
	st := buildStats(nil)
	if st.Total != 0 || st.SuccessRate != 0 || st.ByKind == nil {
		t.Errorf("stats = %+v", st)
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		when time.Time
		want string
	}{
		{"zero", time.Time{}, "-"},
		{"seconds", now.Add(-30 * time.Second), "30s ago"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-48 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := timeAgo(tt.when, now); got != tt.want {
				t.Errorf("timeAgo = %q, want %q", got, tt.want)
			}
		})
	}
}
