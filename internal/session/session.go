// Package session drives the lifecycle of one natural-language query:
// generate a statement, let the user decide, execute on approval, then
// explain the result.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

// Status is the lifecycle stage of a session.
type Status int

const (
	StatusDrafting Status = iota
	StatusAwaitingDecision
	StatusExecuting
	StatusExecuted
	StatusExplained
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDrafting:
		return "drafting"
	case StatusAwaitingDecision:
		return "awaiting_decision"
	case StatusExecuting:
		return "executing"
	case StatusExecuted:
		return "executed"
	case StatusExplained:
		return "explained"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusExplained || s == StatusCancelled || s == StatusFailed
}

// IterationKind labels how an iteration's SQL was produced.
type IterationKind string

const (
	IterationGenerate IterationKind = "generate"
	IterationRefine   IterationKind = "refine"
)

// Iteration is one SQL draft together with the feedback that produced
// it. Feedback is always empty on the initial generate draft.
type Iteration struct {
	Index       int           `json:"index"`
	Kind        IterationKind `json:"kind"`
	Feedback    string        `json:"feedback,omitempty"`
	SQL         string        `json:"sql"`
	RawResponse string        `json:"raw_response,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Session is the full lifecycle record of one request. It is mutated
// only by the Engine; callers treat the returned value as read-only.
type Session struct {
	ID          uuid.UUID        `json:"id"`
	Request     string           `json:"request"`
	Iterations  []Iteration      `json:"iterations"`
	Status      Status           `json:"-"`
	Result      *table.ResultSet `json:"result,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at,omitempty"`
}

// CurrentSQL returns the latest draft, or "" before any iteration.
func (s *Session) CurrentSQL() string {
	if len(s.Iterations) == 0 {
		return ""
	}
	return s.Iterations[len(s.Iterations)-1].SQL
}

var (
	ErrEmptyRequest      = errors.New("request text is empty")
	ErrInvalidTransition = errors.New("decision not valid for session state")
	ErrMalformedOutput   = errors.New("model output is not a single SQL statement")
	ErrIterationLimit    = errors.New("refinement limit reached")
)
