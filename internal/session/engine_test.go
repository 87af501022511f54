package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/model"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/respcache"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/schema"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

type scriptedModel struct {
	replies  []string
	err      error
	requests []model.CompletionRequest
}

func (m *scriptedModel) Complete(ctx context.Context, req model.CompletionRequest) (string, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply left")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

type fakeExecutor struct {
	result table.ResultSet
	err    error
	calls  []string
}

func (f *fakeExecutor) Execute(ctx context.Context, sqlText string) (table.ResultSet, error) {
	f.calls = append(f.calls, sqlText)
	if f.err != nil {
		return table.ResultSet{}, f.err
	}
	return f.result, nil
}

type staticDescriber struct {
	schema table.TableSchema
	err    error
}

func (d *staticDescriber) DescribeTable(ctx context.Context) (table.TableSchema, error) {
	return d.schema, d.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, m model.Client, exec Executor, opts ...func(*EngineOptions)) *Engine {
	t.Helper()
	describer := &staticDescriber{schema: table.TableSchema{
		Schema: "public",
		Name:   "employees",
		Columns: []table.Column{
			{Name: "id", DataType: "integer"},
			{Name: "name", DataType: "text", Nullable: true},
			{Name: "department", DataType: "text", Nullable: true},
		},
	}}
	options := EngineOptions{
		Model:  m,
		Store:  exec,
		Schema: schema.NewCache(describer, discardLogger()),
		Cache:  respcache.NewCache(8),
		Logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return NewEngine(options)
}

func TestStartProducesDraft(t *testing.T) {
	m := &scriptedModel{replies: []string{"```sql\nSELECT * FROM \"public\".\"employees\"\n```"}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	s, err := engine.Start(context.Background(), "show all employees")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Status != StatusAwaitingDecision {
		t.Fatalf("status = %s", s.Status)
	}
	if len(s.Iterations) != 1 || s.Iterations[0].Kind != IterationGenerate {
		t.Fatalf("iterations = %+v", s.Iterations)
	}
	if s.CurrentSQL() != `SELECT * FROM "public"."employees"` {
		t.Fatalf("sql = %q", s.CurrentSQL())
	}
	if m.requests[0].Task != model.TaskGenerate {
		t.Fatalf("task = %q", m.requests[0].Task)
	}
}

func TestStartRejectsEmptyRequest(t *testing.T) {
	engine := newTestEngine(t, &scriptedModel{}, &fakeExecutor{})
	for _, request := range []string{"", "   ", "\n\t"} {
		if _, err := engine.Start(context.Background(), request); !errors.Is(err, ErrEmptyRequest) {
			t.Fatalf("Start(%q) error = %v, want ErrEmptyRequest", request, err)
		}
	}
}

func TestStartFailsOnModelError(t *testing.T) {
	m := &scriptedModel{err: &model.ModelError{StatusCode: 429, Detail: "rate limited"}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	s, err := engine.Start(context.Background(), "show all employees")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
	if !strings.Contains(s.ErrorDetail, "rate limited") {
		t.Fatalf("detail = %q", s.ErrorDetail)
	}
	if s.EndedAt.IsZero() {
		t.Fatal("terminal session must have an end timestamp")
	}
}

func TestStartFailsOnMalformedReply(t *testing.T) {
	m := &scriptedModel{replies: []string{"I am not able to write SQL for that."}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	s, _ := engine.Start(context.Background(), "show all employees")
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
	if !strings.Contains(s.ErrorDetail, "I am not able to write SQL for that.") {
		t.Fatalf("raw reply missing from detail: %q", s.ErrorDetail)
	}
}

func TestStartFailsWhenSchemaUnavailable(t *testing.T) {
	engine := newTestEngine(t, &scriptedModel{}, &fakeExecutor{}, func(o *EngineOptions) {
		o.Schema = schema.NewCache(&staticDescriber{err: errors.New("connection refused")}, discardLogger())
	})

	s, err := engine.Start(context.Background(), "show all employees")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
	if !strings.Contains(s.ErrorDetail, "schema unavailable") {
		t.Fatalf("detail = %q", s.ErrorDetail)
	}
}

func TestRefineAppendsIteration(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"SELECT * FROM \"public\".\"employees\"",
		"SELECT * FROM \"public\".\"employees\" WHERE department = 'Sales'",
	}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	s, _ := engine.Start(context.Background(), "show employees")
	if err := engine.Refine(context.Background(), s, "only the Sales department"); err != nil {
		t.Fatalf("Refine() error = %v", err)
	}

	if s.Status != StatusAwaitingDecision {
		t.Fatalf("status = %s", s.Status)
	}
	if len(s.Iterations) != 2 {
		t.Fatalf("iterations = %d", len(s.Iterations))
	}
	if s.Iterations[0].SQL != `SELECT * FROM "public"."employees"` {
		t.Fatal("first draft must stay unchanged in history")
	}
	if s.Iterations[0].Feedback != "" {
		t.Fatalf("generate draft must not carry feedback: %q", s.Iterations[0].Feedback)
	}
	if s.Iterations[1].Feedback != "only the Sales department" {
		t.Fatalf("feedback not recorded on the draft it produced: %q", s.Iterations[1].Feedback)
	}
	if !strings.Contains(s.CurrentSQL(), "WHERE department = 'Sales'") {
		t.Fatalf("refined sql = %q", s.CurrentSQL())
	}

	refineReq := m.requests[1]
	if refineReq.Task != model.TaskRefine {
		t.Fatalf("task = %q", refineReq.Task)
	}
	if !strings.Contains(refineReq.User, `SELECT * FROM "public"."employees"`) {
		t.Fatal("refinement prompt must contain the prior SQL verbatim")
	}
	if !strings.Contains(refineReq.User, "only the Sales department") {
		t.Fatal("refinement prompt must contain the feedback verbatim")
	}
}

func TestRefinePairsFeedbackWithRejectedDraft(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"SELECT 1 FROM \"public\".\"employees\"",
		"SELECT 2 FROM \"public\".\"employees\"",
		"SELECT 3 FROM \"public\".\"employees\"",
	}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	s, _ := engine.Start(context.Background(), "show employees")
	if err := engine.Refine(context.Background(), s, "first feedback"); err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if err := engine.Refine(context.Background(), s, "second feedback"); err != nil {
		t.Fatalf("Refine() error = %v", err)
	}

	user := m.requests[2].User
	if !strings.Contains(user, "Feedback on draft 1:\nfirst feedback") {
		t.Fatalf("first feedback not paired with draft 1:\n%s", user)
	}
	if !strings.Contains(user, "Feedback on draft 2:\nsecond feedback") {
		t.Fatalf("second feedback not paired with draft 2:\n%s", user)
	}
	if s.Iterations[1].Feedback != "first feedback" || s.Iterations[2].Feedback != "second feedback" {
		t.Fatalf("iterations = %+v", s.Iterations)
	}
}

func TestRefineEnforcesRefinementCap(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"SELECT 1 FROM \"public\".\"employees\"",
		"SELECT 2 FROM \"public\".\"employees\"",
		"SELECT 3 FROM \"public\".\"employees\"",
	}}
	engine := newTestEngine(t, m, &fakeExecutor{}, func(o *EngineOptions) {
		o.MaxIterations = 2
	})

	s, _ := engine.Start(context.Background(), "show employees")
	if err := engine.Refine(context.Background(), s, "first feedback"); err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if err := engine.Refine(context.Background(), s, "second feedback"); err != nil {
		t.Fatalf("Refine() error = %v, the configured limit must be fully usable", err)
	}
	err := engine.Refine(context.Background(), s, "third feedback")
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("error = %v, want ErrIterationLimit", err)
	}
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
	if !strings.Contains(s.ErrorDetail, "refinement limit") {
		t.Fatalf("detail = %q", s.ErrorDetail)
	}
}

func TestRefineAllowedAtMinimumCap(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"SELECT 1 FROM \"public\".\"employees\"",
		"SELECT 2 FROM \"public\".\"employees\"",
	}}
	engine := newTestEngine(t, m, &fakeExecutor{}, func(o *EngineOptions) {
		o.MaxIterations = 1
	})

	s, _ := engine.Start(context.Background(), "show employees")
	if err := engine.Refine(context.Background(), s, "narrow it down"); err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if s.Status != StatusAwaitingDecision {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestRefineInvalidFromTerminalState(t *testing.T) {
	m := &scriptedModel{replies: []string{"SELECT 1 FROM t"}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	s, _ := engine.Start(context.Background(), "show employees")
	if err := engine.Cancel(s); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := engine.Refine(context.Background(), s, "feedback"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestExecuteStoresResult(t *testing.T) {
	m := &scriptedModel{replies: []string{"SELECT name FROM \"public\".\"employees\""}}
	exec := &fakeExecutor{result: table.ResultSet{
		Columns:  []string{"name"},
		Rows:     []map[string]any{{"name": "Ada"}},
		RowCount: 1,
	}}
	engine := newTestEngine(t, m, exec)

	s, _ := engine.Start(context.Background(), "names")
	if err := engine.Execute(context.Background(), s); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if s.Status != StatusExecuted {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Result == nil || s.Result.RowCount != 1 {
		t.Fatalf("result = %+v", s.Result)
	}
	if len(exec.calls) != 1 || exec.calls[0] != `SELECT name FROM "public"."employees"` {
		t.Fatalf("executed sql = %v", exec.calls)
	}
}

func TestExecuteFailurePreservesDriverMessage(t *testing.T) {
	m := &scriptedModel{replies: []string{"SELECT name FROM \"public\".\"employees\""}}
	exec := &fakeExecutor{err: &table.ExecutionError{
		SQL: `SELECT name FROM "public"."employees"`,
		Err: errors.New("permission denied for table employees"),
	}}
	engine := newTestEngine(t, m, exec)

	s, _ := engine.Start(context.Background(), "names")
	if err := engine.Execute(context.Background(), s); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
	if !strings.Contains(s.ErrorDetail, "permission denied") {
		t.Fatalf("detail = %q", s.ErrorDetail)
	}
	if s.Result != nil {
		t.Fatal("failed execution must not leave a result")
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	m := &scriptedModel{replies: []string{"SELECT 1 FROM t"}}
	exec := &fakeExecutor{}
	engine := newTestEngine(t, m, exec)

	s, _ := engine.Start(context.Background(), "show employees")
	if err := engine.Cancel(s); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if s.Status != StatusCancelled {
		t.Fatalf("status = %s", s.Status)
	}
	if err := engine.Execute(context.Background(), s); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if len(exec.calls) != 0 {
		t.Fatal("no statement may reach the database after a cancel")
	}
	if err := engine.Cancel(s); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel error = %v, want ErrInvalidTransition", err)
	}
}

func TestExplainStoresProse(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"SELECT name FROM \"public\".\"employees\"",
		"One employee named Ada was found.",
	}}
	exec := &fakeExecutor{result: table.ResultSet{
		Columns:  []string{"name"},
		Rows:     []map[string]any{{"name": "Ada"}},
		RowCount: 1,
	}}
	engine := newTestEngine(t, m, exec)

	s, _ := engine.Start(context.Background(), "names")
	_ = engine.Execute(context.Background(), s)
	if err := engine.Explain(context.Background(), s); err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if s.Status != StatusExplained {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Explanation != "One employee named Ada was found." {
		t.Fatalf("explanation = %q", s.Explanation)
	}
	if m.requests[1].Task != model.TaskExplain {
		t.Fatalf("task = %q", m.requests[1].Task)
	}
}

func TestExplainFailureDegradesToResultOnly(t *testing.T) {
	m := &scriptedModel{replies: []string{"SELECT name FROM \"public\".\"employees\""}}
	exec := &fakeExecutor{result: table.ResultSet{
		Columns:  []string{"name"},
		Rows:     []map[string]any{{"name": "Ada"}},
		RowCount: 1,
	}}
	engine := newTestEngine(t, m, exec)

	s, _ := engine.Start(context.Background(), "names")
	_ = engine.Execute(context.Background(), s)
	// No scripted reply left, so the explanation call fails.
	if err := engine.Explain(context.Background(), s); err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if s.Status != StatusExplained {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Explanation != "" {
		t.Fatalf("explanation = %q", s.Explanation)
	}
	if s.Result == nil || s.Result.RowCount != 1 {
		t.Fatal("result must stay intact when explanation fails")
	}
}

func TestRepeatedRequestHitsResponseCache(t *testing.T) {
	m := &scriptedModel{replies: []string{"SELECT 1 FROM \"public\".\"employees\""}}
	engine := newTestEngine(t, m, &fakeExecutor{})

	first, _ := engine.Start(context.Background(), "count something")
	second, _ := engine.Start(context.Background(), "count something")

	if len(m.requests) != 1 {
		t.Fatalf("model calls = %d, want 1", len(m.requests))
	}
	if first.CurrentSQL() != second.CurrentSQL() {
		t.Fatal("cached reply should reproduce the same draft")
	}
}
