// Package prompt renders the system/user messages sent to the model.
// Builders are pure functions over the schema snapshot and session
// state, which keeps them trivial to test and makes response caching
// deterministic.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/model"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

const (
	// Columns beyond this count are elided from the schema summary to
	// keep prompts small on wide tables.
	schemaColumnCap = 10
	// Result rows included verbatim in an explanation prompt unless the
	// caller asks for a different cap.
	defaultExplainRowCap = 15

	sqlMaxTokens     = 500
	sqlTemperature   = 0.1
	explainMaxTokens = 300
	explainTemp      = 0.7
)

// Prompt is one fully rendered model request.
type Prompt struct {
	Task        model.TaskKind
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Round is one prior SQL draft plus the feedback that rejected it.
type Round struct {
	SQL      string
	Feedback string
}

// Generation builds the first-draft prompt for a plain-language request.
func Generation(schema table.TableSchema, request string) Prompt {
	system := fmt.Sprintf(`You are an assistant that helps users query a single database table.
The table is: %s

SCHEMA INFORMATION:
%s

TASK: Convert the user's natural language question into a valid SQL statement.
- Generate exactly one SQL statement, nothing else.
- Reference columns exactly as they appear in the schema.
- Use the fully qualified table name and no other table.
- Return only the SQL statement, with no explanation or markdown formatting.`,
		schema.Qualified(), SummarizeSchema(schema))

	return Prompt{
		Task:        model.TaskGenerate,
		System:      system,
		User:        strings.TrimSpace(request),
		MaxTokens:   sqlMaxTokens,
		Temperature: sqlTemperature,
	}
}

// Refinement builds the prompt for reworking a rejected draft. Every
// prior round is replayed so the model sees what was already tried.
func Refinement(schema table.TableSchema, request string, rounds []Round) Prompt {
	system := fmt.Sprintf(`You are an assistant that refines SQL statements for a single database table based on user feedback.
The table is: %s

SCHEMA INFORMATION:
%s

TASK: Rework the SQL statement so it satisfies the latest feedback.
- Generate exactly one SQL statement, nothing else.
- Reference columns exactly as they appear in the schema.
- Use the fully qualified table name and no other table.
- Return only the SQL statement, with no explanation or markdown formatting.`,
		schema.Qualified(), SummarizeSchema(schema))

	var user strings.Builder
	fmt.Fprintf(&user, "Original request:\n%s\n", strings.TrimSpace(request))
	for i, round := range rounds {
		fmt.Fprintf(&user, "\nDraft %d:\n%s\n", i+1, strings.TrimSpace(round.SQL))
		if strings.TrimSpace(round.Feedback) != "" {
			fmt.Fprintf(&user, "Feedback on draft %d:\n%s\n", i+1, strings.TrimSpace(round.Feedback))
		}
	}

	return Prompt{
		Task:        model.TaskRefine,
		System:      system,
		User:        user.String(),
		MaxTokens:   sqlMaxTokens,
		Temperature: sqlTemperature,
	}
}

// Explanation builds the prompt that turns an executed result into a
// short prose summary.
func Explanation(request, sqlText string, result table.ResultSet, rowCap int) Prompt {
	system := `You are an assistant that explains SQL query results in plain language.
Keep your explanation concise and focused on the key insights from the data.`

	user := fmt.Sprintf(`Natural language request: %s
SQL statement used: %s
Result:
%s

Please provide a brief explanation of these results.`,
		strings.TrimSpace(request), strings.TrimSpace(sqlText), SummarizeResult(result, rowCap))

	return Prompt{
		Task:        model.TaskExplain,
		System:      system,
		User:        user,
		MaxTokens:   explainMaxTokens,
		Temperature: explainTemp,
	}
}

// SummarizeSchema renders the column list for prompt use. Wide tables
// are elided after schemaColumnCap columns.
func SummarizeSchema(schema table.TableSchema) string {
	var b strings.Builder
	shown := schema.Columns
	elided := 0
	if len(shown) > schemaColumnCap {
		elided = len(shown) - schemaColumnCap
		shown = shown[:schemaColumnCap]
	}
	for _, col := range shown {
		fmt.Fprintf(&b, "- %s %s", col.Name, col.DataType)
		if col.MaxLength > 0 {
			fmt.Fprintf(&b, "(%d)", col.MaxLength)
		}
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if col.Default != "" {
			fmt.Fprintf(&b, " DEFAULT %s", col.Default)
		}
		if col.Sample != "" {
			fmt.Fprintf(&b, " (example: %s)", col.Sample)
		}
		b.WriteString("\n")
	}
	if elided > 0 {
		fmt.Fprintf(&b, "- plus %d more columns\n", elided)
	}
	if schema.RowCount >= 0 {
		fmt.Fprintf(&b, "Approximate row count: %d\n", schema.RowCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SummarizeResult renders an execution outcome for the explanation
// prompt, capping the rows included verbatim.
func SummarizeResult(result table.ResultSet, rowCap int) string {
	if rowCap <= 0 {
		rowCap = defaultExplainRowCap
	}
	if len(result.Columns) == 0 {
		return fmt.Sprintf("Statement executed. %d rows affected.", result.RowsAffected)
	}
	if result.RowCount == 0 {
		return "The query returned no rows."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d rows returned", result.RowCount)
	if result.Truncated {
		b.WriteString(" (result truncated by the row limit)")
	}
	b.WriteString(".\n")
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString("\n")

	rows := result.Rows
	capped := false
	if len(rows) > rowCap {
		rows = rows[:rowCap]
		capped = true
	}
	for _, row := range rows {
		cells := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			cells = append(cells, formatCell(row[col]))
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	if capped {
		fmt.Fprintf(&b, "... %d more rows not shown\n", result.RowCount-rowCap)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCell(value any) string {
	if value == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", value)
}
