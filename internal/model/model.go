// Package model talks to an OpenAI-compatible chat completion endpoint.
// The rest of the service only sees the Client interface, so tests can
// substitute a canned implementation.
package model

import (
	"context"
	"fmt"
)

// TaskKind labels what a completion is for. It feeds metrics and the
// response cache fingerprint.
type TaskKind string

const (
	TaskGenerate TaskKind = "generate"
	TaskRefine   TaskKind = "refine"
	TaskExplain  TaskKind = "explain"
)

// CompletionRequest carries one system/user prompt pair to the model.
type CompletionRequest struct {
	Task        TaskKind
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Client produces a raw model reply for a prompt. Implementations must
// honor ctx cancellation.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ModelError reports a non-success response from the completion
// endpoint. StatusCode is zero for transport-level failures.
type ModelError struct {
	StatusCode int
	Detail     string
}

func (e *ModelError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("model request failed: %s", e.Detail)
	}
	return fmt.Sprintf("model request failed status=%d detail=%s", e.StatusCode, e.Detail)
}
