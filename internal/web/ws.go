package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Address filtering happens in the allow-list middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundMessage struct {
	Event  string `json:"event"`
	Action string `json:"action,omitempty"`
	Text   string `json:"text,omitempty"`
}

type outboundMessage struct {
	Event     string           `json:"event"`
	Kind      string           `json:"kind"`
	Text      string           `json:"text,omitempty"`
	SQL       string           `json:"sql,omitempty"`
	Table     string           `json:"table,omitempty"`
	Columns   []string         `json:"columns,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	RowCount  int              `json:"row_count,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
	Status    string           `json:"status,omitempty"`
}

// chatConn processes one browser connection. Messages are handled
// sequentially, so a connection drives at most one session at a time,
// mirroring the command-line decision loop.
type chatConn struct {
	deps    Dependencies
	conn    *websocket.Conn
	logger  *slog.Logger
	current *session.Session
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &chatConn{deps: deps, conn: conn, logger: logger}
	defer func() { _ = conn.Close() }()

	c.sendInitial(r.Context())
	c.loop(r.Context())
}

func (c *chatConn) loop(ctx context.Context) {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.current != nil && !c.current.Status.Terminal() {
				_ = c.deps.Engine.Cancel(c.current)
				c.record(ctx)
			}
			return
		}
		switch msg.Event {
		case "query":
			c.handleQuery(ctx, msg.Text)
		case "decision":
			c.handleDecision(ctx, msg)
		default:
			c.send(outboundMessage{Event: "response", Kind: "error", Text: "unknown event"})
		}
	}
}

func (c *chatConn) sendInitial(ctx context.Context) {
	schema, err := c.deps.Schema.Get(ctx)
	if err != nil {
		c.send(outboundMessage{Event: "response", Kind: "error", Text: "table unavailable: " + err.Error()})
		return
	}
	init := outboundMessage{Event: "response", Kind: "init", Table: schema.Qualified()}
	rows := c.deps.PreviewRows
	if rows <= 0 {
		rows = 5
	}
	if preview, err := c.deps.Preview.FetchPreview(ctx, rows); err == nil {
		init.Columns = preview.Columns
		init.Rows = preview.Rows
		init.RowCount = preview.RowCount
	}
	c.send(init)
}

func (c *chatConn) handleQuery(ctx context.Context, text string) {
	if c.current != nil && !c.current.Status.Terminal() {
		c.send(outboundMessage{Event: "response", Kind: "error", Text: "finish the current query first (execute, feedback, or cancel)"})
		return
	}

	s, err := c.deps.Engine.Start(ctx, text)
	if err != nil {
		c.send(outboundMessage{Event: "response", Kind: "error", Text: err.Error()})
		return
	}
	c.current = s

	if s.Status == session.StatusFailed {
		c.finishFailed(ctx)
		return
	}
	c.send(outboundMessage{Event: "response", Kind: "sql", SQL: s.CurrentSQL()})
}

func (c *chatConn) handleDecision(ctx context.Context, msg inboundMessage) {
	if c.current == nil || c.current.Status != session.StatusAwaitingDecision {
		c.send(outboundMessage{Event: "response", Kind: "error", Text: "no query is awaiting a decision"})
		return
	}

	switch strings.ToLower(msg.Action) {
	case "execute", "e":
		c.execute(ctx)
	case "feedback", "f":
		c.refine(ctx, msg.Text)
	case "cancel", "c":
		_ = c.deps.Engine.Cancel(c.current)
		c.send(outboundMessage{Event: "response", Kind: "final", Text: "Cancelled. Nothing was executed.", Status: c.current.Status.String()})
		c.record(ctx)
	default:
		c.send(outboundMessage{Event: "response", Kind: "error", Text: "decision must be execute, feedback, or cancel"})
	}
}

func (c *chatConn) execute(ctx context.Context) {
	s := c.current
	if err := c.deps.Engine.Execute(ctx, s); err != nil {
		c.send(outboundMessage{Event: "response", Kind: "error", Text: err.Error()})
		return
	}
	if s.Status != session.StatusExecuted {
		c.finishFailed(ctx)
		return
	}

	c.sendResult(*s.Result)
	_ = c.deps.Engine.Explain(ctx, s)
	if s.Explanation != "" {
		c.send(outboundMessage{Event: "response", Kind: "explanation", Text: s.Explanation})
	}
	c.send(outboundMessage{Event: "response", Kind: "final", Status: s.Status.String()})
	c.record(ctx)
}

func (c *chatConn) refine(ctx context.Context, feedback string) {
	s := c.current
	if err := c.deps.Engine.Refine(ctx, s, feedback); err != nil && s.Status != session.StatusFailed {
		c.send(outboundMessage{Event: "response", Kind: "error", Text: err.Error()})
		return
	}
	if s.Status == session.StatusFailed {
		c.finishFailed(ctx)
		return
	}
	c.send(outboundMessage{Event: "response", Kind: "sql", SQL: s.CurrentSQL()})
}

func (c *chatConn) finishFailed(ctx context.Context) {
	s := c.current
	c.send(outboundMessage{Event: "response", Kind: "error", Text: s.ErrorDetail})
	c.send(outboundMessage{Event: "response", Kind: "final", Status: s.Status.String()})
	c.record(ctx)
}

func (c *chatConn) sendResult(result table.ResultSet) {
	c.send(outboundMessage{
		Event:     "response",
		Kind:      "result",
		Columns:   result.Columns,
		Rows:      result.Rows,
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
		Text:      resultNote(result),
	})
}

func resultNote(result table.ResultSet) string {
	if len(result.Columns) == 0 {
		return "Statement executed."
	}
	if result.RowCount == 0 {
		return "The query returned no rows."
	}
	return ""
}

func (c *chatConn) record(ctx context.Context) {
	s := c.current
	c.current = nil
	if s == nil || !s.Status.Terminal() {
		return
	}
	if err := c.deps.History.Record(ctx, s); err != nil {
		c.logger.Warn("history record failed",
			slog.String("session_id", s.ID.String()),
			slog.String("error", err.Error()))
	}
}

// send tolerates a dead client: a write failure is logged and the read
// loop will notice the closed connection on its next iteration.
func (c *chatConn) send(msg outboundMessage) {
	if c.deps.ClientTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.deps.ClientTimeout))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
