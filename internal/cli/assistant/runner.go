// Package assistant implements the interactive command-line surface:
// free-text requests, an execute/feedback/cancel decision per draft,
// and the /diagnose, /refresh_schema, /history and /export commands.
package assistant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/diag"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/history"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/prompt"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

// QueryEngine is the session lifecycle the loop drives.
type QueryEngine interface {
	Start(ctx context.Context, request string) (*session.Session, error)
	Refine(ctx context.Context, s *session.Session, feedback string) error
	Execute(ctx context.Context, s *session.Session) error
	Explain(ctx context.Context, s *session.Session) error
	Cancel(s *session.Session) error
}

// SchemaSource serves and refreshes the schema snapshot.
type SchemaSource interface {
	Get(ctx context.Context) (table.TableSchema, error)
	Refresh(ctx context.Context) (table.TableSchema, error)
}

// Historian records finished sessions and lists recent ones.
type Historian interface {
	Record(ctx context.Context, s *session.Session) error
	Recent(limit int) []history.Summary
}

// Diagnostician runs the permission check battery.
type Diagnostician interface {
	Run(ctx context.Context) []diag.CheckResult
}

// Previewer fetches sample rows for the startup banner.
type Previewer interface {
	FetchPreview(ctx context.Context, rowLimit int) (table.ResultSet, error)
}

type Options struct {
	Engine      QueryEngine
	Schema      SchemaSource
	History     Historian
	Diagnostics Diagnostician
	Preview     Previewer
	Logger      *slog.Logger
	PreviewRows int

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

const defaultPreviewRows = 5

type runner struct {
	opts   Options
	in     *bufio.Scanner
	out    io.Writer
	errOut io.Writer

	lastResult *table.ResultSet
}

// Run drives the interactive loop until EOF or /quit. The exit code is
// non-zero only when the assistant cannot start at all.
func Run(ctx context.Context, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = defaultPreviewRows
	}

	r := &runner{
		opts:   opts,
		in:     bufio.NewScanner(opts.Stdin),
		out:    opts.Stdout,
		errOut: opts.Stderr,
	}

	if err := r.printBanner(ctx); err != nil {
		fmt.Fprintf(r.errOut, "cannot reach the configured table: %v\n", err)
		return 1
	}

	for {
		fmt.Fprint(r.out, "\nAsk about the table (or /diagnose, /refresh_schema, /history, /export <path>, /quit):\n> ")
		line, ok := r.readLine()
		if !ok {
			return 0
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.handleCommand(ctx, line); quit {
				return 0
			}
			continue
		}
		r.runSession(ctx, line)
	}
}

func (r *runner) readLine() (string, bool) {
	if !r.in.Scan() {
		return "", false
	}
	return r.in.Text(), true
}

func (r *runner) printBanner(ctx context.Context) error {
	schema, err := r.opts.Schema.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Connected to table %s\n\n", schema.Qualified())
	fmt.Fprintln(r.out, "Schema:")
	fmt.Fprintln(r.out, prompt.SummarizeSchema(schema))

	preview, err := r.opts.Preview.FetchPreview(ctx, r.opts.PreviewRows)
	if err != nil {
		fmt.Fprintf(r.out, "\nPreview unavailable: %v\n", err)
		return nil
	}
	if preview.RowCount > 0 {
		fmt.Fprintf(r.out, "\nFirst %d rows:\n", preview.RowCount)
		fmt.Fprint(r.out, formatResult(preview))
	}
	return nil
}

func (r *runner) handleCommand(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/diagnose":
		r.runDiagnostics(ctx)
	case "/refresh_schema":
		schema, err := r.opts.Schema.Refresh(ctx)
		if err != nil {
			fmt.Fprintf(r.errOut, "schema refresh failed: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, "Schema refreshed:")
		fmt.Fprintln(r.out, prompt.SummarizeSchema(schema))
	case "/history":
		r.printHistory()
	case "/export":
		if len(fields) < 2 {
			fmt.Fprintln(r.errOut, "usage: /export <path>")
			return false
		}
		r.exportLastResult(fields[1])
	default:
		fmt.Fprintf(r.errOut, "unknown command %q\n", fields[0])
	}
	return false
}

func (r *runner) runDiagnostics(ctx context.Context) {
	fmt.Fprintln(r.out, "Running diagnostics...")
	for _, result := range r.opts.Diagnostics.Run(ctx) {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(r.out, "  [%s] %s", status, result.Name)
		if result.Detail != "" {
			fmt.Fprintf(r.out, " (%s)", result.Detail)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *runner) printHistory() {
	summaries := r.opts.History.Recent(0)
	if len(summaries) == 0 {
		fmt.Fprintln(r.out, "No sessions recorded yet.")
		return
	}
	for _, summary := range summaries {
		fmt.Fprintf(r.out, "  [%s] %s", summary.Status, summary.Request)
		if summary.FinalSQL != "" {
			fmt.Fprintf(r.out, " -> %s", summary.FinalSQL)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *runner) exportLastResult(path string) {
	if r.lastResult == nil {
		fmt.Fprintln(r.errOut, "no result to export yet")
		return
	}
	if err := history.ExportResultParquet(*r.lastResult, path); err != nil {
		fmt.Fprintf(r.errOut, "export failed: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "Result written to %s\n", path)
}

// runSession handles one request from draft to terminal state.
func (r *runner) runSession(ctx context.Context, request string) {
	s, err := r.opts.Engine.Start(ctx, request)
	if err != nil {
		fmt.Fprintf(r.errOut, "request rejected: %v\n", err)
		return
	}

	for s.Status == session.StatusAwaitingDecision {
		fmt.Fprintf(r.out, "\nGenerated SQL:\n%s\n", s.CurrentSQL())
		fmt.Fprint(r.out, "Execute, give feedback, or cancel? (e/f/c): ")
		decision, ok := r.readLine()
		if !ok {
			_ = r.opts.Engine.Cancel(s)
			break
		}
		switch strings.ToLower(strings.TrimSpace(decision)) {
		case "e":
			if err := r.opts.Engine.Execute(ctx, s); err != nil {
				fmt.Fprintf(r.errOut, "%v\n", err)
				continue
			}
			if s.Status == session.StatusExecuted {
				_ = r.opts.Engine.Explain(ctx, s)
			}
		case "f":
			fmt.Fprint(r.out, "Feedback: ")
			feedback, ok := r.readLine()
			if !ok {
				_ = r.opts.Engine.Cancel(s)
				break
			}
			if err := r.opts.Engine.Refine(ctx, s, feedback); err != nil && !errors.Is(err, session.ErrIterationLimit) {
				fmt.Fprintf(r.errOut, "%v\n", err)
			}
		case "c":
			_ = r.opts.Engine.Cancel(s)
		default:
			fmt.Fprintln(r.errOut, "please answer e, f, or c")
		}
	}

	r.reportOutcome(s)
	if s.Status.Terminal() {
		if err := r.opts.History.Record(ctx, s); err != nil {
			r.opts.Logger.Warn("history record failed",
				slog.String("session_id", s.ID.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (r *runner) reportOutcome(s *session.Session) {
	switch s.Status {
	case session.StatusExplained:
		if s.Result != nil {
			fmt.Fprint(r.out, "\n"+formatResult(*s.Result))
			r.lastResult = s.Result
		}
		if s.Explanation != "" {
			fmt.Fprintf(r.out, "\n%s\n", s.Explanation)
		}
	case session.StatusCancelled:
		fmt.Fprintln(r.out, "Cancelled. Nothing was executed.")
	case session.StatusFailed:
		fmt.Fprintf(r.errOut, "Request failed: %s\n", s.ErrorDetail)
	}
}

// formatResult renders a result set as an aligned text table.
func formatResult(result table.ResultSet) string {
	if len(result.Columns) == 0 {
		return fmt.Sprintf("Statement executed. %d rows affected.\n", result.RowsAffected)
	}
	if result.RowCount == 0 {
		return "The query returned no rows.\n"
	}

	widths := make([]int, len(result.Columns))
	for i, col := range result.Columns {
		widths[i] = len(col)
	}
	cells := make([][]string, len(result.Rows))
	for ri, row := range result.Rows {
		cells[ri] = make([]string, len(result.Columns))
		for ci, col := range result.Columns {
			value := "NULL"
			if v, ok := row[col]; ok && v != nil {
				value = fmt.Sprintf("%v", v)
			}
			cells[ri][ci] = value
			if len(value) > widths[ci] {
				widths[ci] = len(value)
			}
		}
	}

	var b strings.Builder
	for i, col := range result.Columns {
		fmt.Fprintf(&b, "%-*s", widths[i], col)
		if i < len(result.Columns)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")
	for i := range result.Columns {
		b.WriteString(strings.Repeat("-", widths[i]))
		if i < len(result.Columns)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")
	for _, row := range cells {
		for i, value := range row {
			fmt.Fprintf(&b, "%-*s", widths[i], value)
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%d rows", result.RowCount)
	if result.Truncated {
		b.WriteString(" (truncated by the row limit)")
	}
	b.WriteString("\n")
	return b.String()
}
