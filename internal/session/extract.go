package session

import (
	"fmt"
	"strings"
)

var sqlVerbs = []string{
	"select", "insert", "update", "delete", "with",
	"merge", "values", "show", "explain",
}

// ExtractSQL pulls exactly one SQL statement out of a raw model reply.
// Fenced code blocks are preferred; otherwise the whole reply must read
// as a statement. Multi-statement replies are rejected rather than
// silently truncated.
func ExtractSQL(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformedOutput)
	}

	if fenced, ok := firstFencedBlock(candidate); ok {
		candidate = fenced
	}
	candidate = strings.TrimSpace(candidate)
	candidate = strings.TrimSuffix(candidate, ";")
	candidate = strings.TrimSpace(candidate)

	if candidate == "" {
		return "", fmt.Errorf("%w: empty statement", ErrMalformedOutput)
	}
	if strings.Contains(candidate, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrMalformedOutput)
	}
	if !startsWithSQLVerb(candidate) {
		return "", fmt.Errorf("%w: reply does not start with a SQL keyword", ErrMalformedOutput)
	}
	return candidate, nil
}

func firstFencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Drop an optional language tag on the fence line.
	if newline := strings.Index(rest, "\n"); newline >= 0 {
		fence := strings.TrimSpace(rest[:newline])
		if fence == "" || isIdentifier(fence) {
			rest = rest[newline+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

func isIdentifier(value string) bool {
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return value != ""
}

func startsWithSQLVerb(statement string) bool {
	lowered := strings.ToLower(statement)
	for _, verb := range sqlVerbs {
		if strings.HasPrefix(lowered, verb+" ") || strings.HasPrefix(lowered, verb+"\n") || lowered == verb {
			return true
		}
	}
	return false
}
