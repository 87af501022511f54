package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/config"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/history"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

type fakeEngine struct {
	startStatus session.Status
	sql         []string
	executed    bool
	cancelled   bool
}

func (f *fakeEngine) Start(ctx context.Context, request string) (*session.Session, error) {
	if strings.TrimSpace(request) == "" {
		return nil, session.ErrEmptyRequest
	}
	s := &session.Session{ID: uuid.New(), Request: request, Status: f.startStatus, StartedAt: time.Now().UTC()}
	if len(f.sql) > 0 {
		s.Iterations = append(s.Iterations, session.Iteration{Index: 0, Kind: session.IterationGenerate, SQL: f.sql[0]})
	}
	if f.startStatus == session.StatusFailed {
		s.ErrorDetail = "model unreachable"
		s.EndedAt = time.Now().UTC()
	}
	return s, nil
}

func (f *fakeEngine) Refine(ctx context.Context, s *session.Session, feedback string) error {
	next := len(s.Iterations)
	if next >= len(f.sql) {
		s.Status = session.StatusFailed
		s.ErrorDetail = "refinement limit reached"
		return session.ErrIterationLimit
	}
	s.Iterations = append(s.Iterations, session.Iteration{Index: next, Kind: session.IterationRefine, SQL: f.sql[next], Feedback: feedback})
	s.Status = session.StatusAwaitingDecision
	return nil
}

func (f *fakeEngine) Execute(ctx context.Context, s *session.Session) error {
	if s.Status != session.StatusAwaitingDecision {
		return session.ErrInvalidTransition
	}
	f.executed = true
	s.Result = &table.ResultSet{Columns: []string{"name"}, Rows: []map[string]any{{"name": "Ada"}}, RowCount: 1}
	s.Status = session.StatusExecuted
	return nil
}

func (f *fakeEngine) Explain(ctx context.Context, s *session.Session) error {
	s.Explanation = "One employee named Ada was found."
	s.Status = session.StatusExplained
	s.EndedAt = time.Now().UTC()
	return nil
}

func (f *fakeEngine) Cancel(s *session.Session) error {
	f.cancelled = true
	s.Status = session.StatusCancelled
	s.EndedAt = time.Now().UTC()
	return nil
}

type fakeSchemaSource struct{}

func (fakeSchemaSource) Get(ctx context.Context) (table.TableSchema, error) {
	return table.TableSchema{
		Schema:  "public",
		Name:    "employees",
		Columns: []table.Column{{Name: "id", DataType: "integer"}},
	}, nil
}

type fakeHistorian struct {
	recorded  []*session.Session
	summaries []history.Summary
}

func (f *fakeHistorian) Record(ctx context.Context, s *session.Session) error {
	f.recorded = append(f.recorded, s)
	return nil
}

func (f *fakeHistorian) Recent(limit int) []history.Summary { return f.summaries }

type fakePreviewer struct{}

func (fakePreviewer) FetchPreview(ctx context.Context, rowLimit int) (table.ResultSet, error) {
	return table.ResultSet{Columns: []string{"id"}, Rows: []map[string]any{{"id": 1}}, RowCount: 1}, nil
}

func testConfig() config.Config {
	cfg, err := config.Load("tableassist-web", func(string) (string, bool) { return "", false })
	if err != nil {
		panic(err)
	}
	return cfg
}

func testDeps(engine QueryEngine, historian Historian) Dependencies {
	return Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Engine:  engine,
		Schema:  fakeSchemaSource{},
		History: historian,
		Preview: fakePreviewer{},
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(), testDeps(&fakeEngine{}, &fakeHistorian{}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestReadyEndpointReportsFailure(t *testing.T) {
	deps := testDeps(&fakeEngine{}, &fakeHistorian{})
	deps.Readiness = func(ctx context.Context) error { return errors.New("database unreachable") }
	handler := NewHandler(testConfig(), deps)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	historian := &fakeHistorian{summaries: []history.Summary{
		{Request: "show names", Status: "explained", FinalSQL: "SELECT name FROM employees", RowCount: 1},
	}}
	handler := NewHandler(testConfig(), testDeps(&fakeEngine{}, historian))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	request.RemoteAddr = "127.0.0.1:55000"
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "SELECT name FROM employees") {
		t.Fatalf("body = %s", recorder.Body.String())
	}
}

func TestAllowListRejectsUnknownAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Web.AllowedIPs = "10.0.0.1"
	handler := NewHandler(cfg, testDeps(&fakeEngine{}, &fakeHistorian{}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	request.RemoteAddr = "192.168.1.50:40000"
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestAllowListAdmitsConfiguredCIDR(t *testing.T) {
	cfg := testConfig()
	cfg.Web.AllowedIPs = "192.168.1.0/24"
	handler := NewHandler(cfg, testDeps(&fakeEngine{}, &fakeHistorian{}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	request.RemoteAddr = "192.168.1.50:40000"
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestAllowListDoesNotGuardHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Web.AllowedIPs = "10.0.0.1"
	handler := NewHandler(cfg, testDeps(&fakeEngine{}, &fakeHistorian{}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	request.RemoteAddr = "192.168.1.50:40000"
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(), testDeps(&fakeEngine{}, &fakeHistorian{}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
}
