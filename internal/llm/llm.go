// Package llm abstracts the language model used for SQL generation.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks transport or server-side failures that a
	// caller may retry against its own budget.
	ErrUnavailable = errors.New("model unavailable")
	// ErrTimeout marks completions that exceeded the request deadline.
	ErrTimeout = errors.New("model timeout")
)

// Request carries one composed prompt to the model.
type Request struct {
	System      string
	User        string
	Temperature float64
}

// Completion is the raw model reply before any SQL extraction.
type Completion struct {
	Content  string
	Model    string
	Provider string
}

// Gateway produces a completion for a composed prompt.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Retryable reports whether a gateway error is worth another transport
// attempt. Client-side rejections (bad request, auth) are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
