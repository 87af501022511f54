package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/model"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/observability"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/prompt"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/respcache"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/schema"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

// Executor is the slice of the table store the engine needs.
type Executor interface {
	Execute(ctx context.Context, sqlText string) (table.ResultSet, error)
}

const defaultMaxIterations = 5

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Model         model.Client
	Store         Executor
	Schema        *schema.Cache
	Cache         *respcache.Cache
	Logger        *slog.Logger
	MaxIterations int
	ExplainRowCap int
}

// Engine owns all session state transitions. Collaborator failures
// show up as Failed sessions, not as returned errors; errors are
// reserved for rejected input and invalid decisions.
type Engine struct {
	model         model.Client
	store         Executor
	schema        *schema.Cache
	cache         *respcache.Cache
	logger        *slog.Logger
	maxIterations int
	explainRowCap int
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &Engine{
		model:         opts.Model,
		store:         opts.Store,
		schema:        opts.Schema,
		cache:         opts.Cache,
		logger:        logger,
		maxIterations: maxIterations,
		explainRowCap: opts.ExplainRowCap,
	}
}

// Start accepts a request and produces the first SQL draft. The
// returned session is AwaitingDecision on success and Failed when the
// schema, the model, or the reply parsing let us down.
func (e *Engine) Start(ctx context.Context, request string) (*Session, error) {
	if strings.TrimSpace(request) == "" {
		return nil, ErrEmptyRequest
	}

	s := &Session{
		ID:        uuid.New(),
		Request:   strings.TrimSpace(request),
		Status:    StatusDrafting,
		StartedAt: time.Now().UTC(),
	}

	tableSchema, err := e.schema.Get(ctx)
	if err != nil {
		e.fail(s, fmt.Sprintf("schema unavailable: %v", err))
		return s, nil
	}

	p := prompt.Generation(tableSchema, s.Request)
	raw, err := e.complete(ctx, p)
	if err != nil {
		e.fail(s, err.Error())
		return s, nil
	}

	sqlText, err := ExtractSQL(raw)
	if err != nil {
		e.fail(s, fmt.Sprintf("%v; raw reply: %s", err, strings.TrimSpace(raw)))
		return s, nil
	}

	s.Iterations = append(s.Iterations, Iteration{
		Index:       0,
		Kind:        IterationGenerate,
		SQL:         sqlText,
		RawResponse: raw,
		CreatedAt:   time.Now().UTC(),
	})
	s.Status = StatusAwaitingDecision
	e.logger.Info("draft generated",
		slog.String("session_id", s.ID.String()),
		slog.String("sql", sqlText))
	return s, nil
}

// Refine reworks the current draft using the user's feedback. Valid
// only while the session awaits a decision. Exceeding the refinement
// cap fails the session with a clear reason.
func (e *Engine) Refine(ctx context.Context, s *Session, feedback string) error {
	if s.Status != StatusAwaitingDecision {
		return fmt.Errorf("%w: refine from %s", ErrInvalidTransition, s.Status)
	}
	// The initial generate draft does not count against the cap.
	if len(s.Iterations)-1 >= e.maxIterations {
		e.fail(s, fmt.Sprintf("refinement limit of %d reached", e.maxIterations))
		return fmt.Errorf("%w: %d refinements", ErrIterationLimit, e.maxIterations)
	}

	feedback = strings.TrimSpace(feedback)
	s.Status = StatusDrafting

	tableSchema, err := e.schema.Get(ctx)
	if err != nil {
		e.fail(s, fmt.Sprintf("schema unavailable: %v", err))
		return nil
	}

	// Each iteration carries the feedback that produced it, so the
	// feedback rejecting draft i lives on iteration i+1.
	rounds := make([]prompt.Round, len(s.Iterations))
	for i, iter := range s.Iterations {
		rounds[i] = prompt.Round{SQL: iter.SQL}
		if i > 0 {
			rounds[i-1].Feedback = iter.Feedback
		}
	}
	rounds[len(rounds)-1].Feedback = feedback

	p := prompt.Refinement(tableSchema, s.Request, rounds)
	raw, err := e.complete(ctx, p)
	if err != nil {
		e.fail(s, err.Error())
		return nil
	}

	sqlText, err := ExtractSQL(raw)
	if err != nil {
		e.fail(s, fmt.Sprintf("%v; raw reply: %s", err, strings.TrimSpace(raw)))
		return nil
	}

	s.Iterations = append(s.Iterations, Iteration{
		Index:       len(s.Iterations),
		Kind:        IterationRefine,
		Feedback:    feedback,
		SQL:         sqlText,
		RawResponse: raw,
		CreatedAt:   time.Now().UTC(),
	})
	s.Status = StatusAwaitingDecision
	e.logger.Info("draft refined",
		slog.String("session_id", s.ID.String()),
		slog.Int("iteration", len(s.Iterations)-1),
		slog.String("sql", sqlText))
	return nil
}

// Execute runs the approved draft verbatim. Valid only from
// AwaitingDecision; this is the sole path by which a statement reaches
// the database.
func (e *Engine) Execute(ctx context.Context, s *Session) error {
	if s.Status != StatusAwaitingDecision {
		return fmt.Errorf("%w: execute from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusExecuting

	sqlText := s.CurrentSQL()
	result, err := e.store.Execute(ctx, sqlText)
	observability.ObserveStatementExecution(err)
	if err != nil {
		e.fail(s, err.Error())
		return nil
	}

	s.Result = &result
	s.Status = StatusExecuted
	e.logger.Info("statement executed",
		slog.String("session_id", s.ID.String()),
		slog.Int("rows", result.RowCount),
		slog.Int64("rows_affected", result.RowsAffected))
	return nil
}

// Explain summarizes the executed result in prose. An explanation
// failure degrades to "result only": the session still reaches
// Explained and the result stays intact.
func (e *Engine) Explain(ctx context.Context, s *Session) error {
	if s.Status != StatusExecuted {
		return fmt.Errorf("%w: explain from %s", ErrInvalidTransition, s.Status)
	}

	p := prompt.Explanation(s.Request, s.CurrentSQL(), *s.Result, e.explainRowCap)
	explanation, err := e.complete(ctx, p)
	if err != nil {
		e.logger.Warn("explanation unavailable",
			slog.String("session_id", s.ID.String()),
			slog.String("error", err.Error()))
	} else {
		s.Explanation = strings.TrimSpace(explanation)
	}
	e.finish(s, StatusExplained)
	return nil
}

// Cancel ends the session without executing anything. Valid from any
// non-terminal state.
func (e *Engine) Cancel(s *Session) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.Status)
	}
	e.finish(s, StatusCancelled)
	e.logger.Info("session cancelled", slog.String("session_id", s.ID.String()))
	return nil
}

func (e *Engine) complete(ctx context.Context, p prompt.Prompt) (string, error) {
	schemaVersion := e.schema.Version()
	if e.cache != nil {
		if reply, ok := e.cache.Lookup(p, schemaVersion); ok {
			observability.ObserveCacheLookup(true)
			return reply, nil
		}
		observability.ObserveCacheLookup(false)
	}

	start := time.Now()
	reply, err := e.model.Complete(ctx, model.CompletionRequest{
		Task:        p.Task,
		System:      p.System,
		User:        p.User,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	})
	observability.ObserveModelCall(string(p.Task), err, time.Since(start))
	if err != nil {
		return "", err
	}
	if e.cache != nil {
		e.cache.Store(p, schemaVersion, reply)
	}
	return reply, nil
}

func (e *Engine) fail(s *Session, detail string) {
	s.ErrorDetail = detail
	e.finish(s, StatusFailed)
	e.logger.Warn("session failed",
		slog.String("session_id", s.ID.String()),
		slog.String("detail", detail))
}

func (e *Engine) finish(s *Session, status Status) {
	s.Status = status
	s.EndedAt = time.Now().UTC()
	observability.ObserveSessionFinished(status.String())
}
