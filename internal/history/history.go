// Package history persists finished sessions as query-log records and
// keeps a bounded in-memory list for the /history view.
package history

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
)

// Record is the durable form of one finished session. Fields are
// named so old records stay readable as the shape evolves.
type Record struct {
	SessionID   uuid.UUID           `json:"session_id"`
	Request     string              `json:"request"`
	Status      string              `json:"status"`
	Iterations  []session.Iteration `json:"iterations"`
	FinalSQL    string              `json:"final_sql,omitempty"`
	RowCount    int                 `json:"row_count"`
	Columns     []string            `json:"columns,omitempty"`
	Truncated   bool                `json:"truncated,omitempty"`
	ErrorDetail string              `json:"error_detail,omitempty"`
	Explanation string              `json:"explanation,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	EndedAt     time.Time           `json:"ended_at"`
}

// Summary is the lightweight in-memory view of a record.
type Summary struct {
	SessionID  uuid.UUID `json:"session_id"`
	Request    string    `json:"request"`
	Status     string    `json:"status"`
	FinalSQL   string    `json:"final_sql,omitempty"`
	RowCount   int       `json:"row_count"`
	Iterations int       `json:"iterations"`
	EndedAt    time.Time `json:"ended_at"`
}

// ArchiveStore uploads serialized records to remote object storage.
type ArchiveStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

func recordFromSession(s *session.Session) Record {
	record := Record{
		SessionID:   s.ID,
		Request:     s.Request,
		Status:      s.Status.String(),
		Iterations:  s.Iterations,
		FinalSQL:    s.CurrentSQL(),
		ErrorDetail: s.ErrorDetail,
		Explanation: s.Explanation,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
	if s.Result != nil {
		record.RowCount = s.Result.RowCount
		record.Columns = s.Result.Columns
		record.Truncated = s.Result.Truncated
	}
	return record
}

func summaryFromRecord(record Record) Summary {
	return Summary{
		SessionID:  record.SessionID,
		Request:    record.Request,
		Status:     record.Status,
		FinalSQL:   record.FinalSQL,
		RowCount:   record.RowCount,
		Iterations: len(record.Iterations),
		EndedAt:    record.EndedAt,
	}
}
