// Package ask drives one question through compose, complete, extract,
// validate, and execute, repairing failed attempts up to a bound.
package ask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/internal/executor"
	"github.com/tabletalk/tabletalk/internal/extract"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/prompt"
	"github.com/tabletalk/tabletalk/internal/schema"
	"github.com/tabletalk/tabletalk/internal/validate"
)

// Status is the terminal state of a trace.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusExhaustedRetries Status = "exhausted_retries"
	StatusRejectedUnsafe   Status = "rejected_unsafe"
	StatusCancelled        Status = "cancelled"
)

// Attempt records one pass through the pipeline. Attempts are append
// only; recorded attempts are never mutated. Index counts from zero.
type Attempt struct {
	Index           int           `json:"index"`
	Prompt          prompt.Prompt `json:"-"`
	Completion      string        `json:"completion,omitempty"`
	SQL             string        `json:"sql,omitempty"`
	ModelError      string        `json:"model_error,omitempty"`
	ValidationError string        `json:"validation_error,omitempty"`
	ExecutionError  string        `json:"execution_error,omitempty"`
}

// Trace is the full history of one ask.
type Trace struct {
	Question string              `json:"question"`
	Binding  string              `json:"binding"`
	Attempts []Attempt           `json:"attempts"`
	Status   Status              `json:"status"`
	Result   *executor.ResultSet `json:"result,omitempty"`
	Elapsed  time.Duration       `json:"elapsed"`
}

// QueryRunner executes validated SQL. *executor.Executor satisfies it.
type QueryRunner interface {
	Execute(ctx context.Context, sqlText string, limits executor.Limits) (executor.ResultSet, error)
}

// Options bound one run of the loop.
type Options struct {
	Dialect          string
	MaxAttempts      int
	DefaultLimit     int
	RowLimit         int
	QueryTimeout     time.Duration
	Temperature      float64
	TableBudget      int
	TransportRetries int
	TransportBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.TransportBackoff <= 0 {
		o.TransportBackoff = 250 * time.Millisecond
	}
	return o
}

// Loop owns the collaborators for one binding.
type Loop struct {
	gateway llm.Gateway
	runner  QueryRunner
	opts    Options
}

func NewLoop(gateway llm.Gateway, runner QueryRunner, opts Options) (*Loop, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("query runner is required")
	}
	return &Loop{gateway: gateway, runner: runner, opts: opts.withDefaults()}, nil
}

// Run drives the question to a terminal status. The trace never holds
// more than MaxAttempts attempts, and a result only on success.
func (l *Loop) Run(ctx context.Context, question string, snap schema.Snapshot) Trace {
	start := time.Now()
	trace := Trace{Question: question, Binding: snap.Binding}
	var feedback []prompt.Feedback

	for index := 0; index < l.opts.MaxAttempts; index++ {
		if ctx.Err() != nil {
			return l.finish(trace, StatusCancelled, start)
		}

		composed := prompt.Compose(question, l.opts.Dialect, snap, feedback, l.opts.TableBudget)
		attempt := Attempt{Index: index, Prompt: composed}

		completion, err := l.complete(ctx, composed)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(trace, StatusCancelled, start)
			}
			attempt.ModelError = err.Error()
			trace.Attempts = append(trace.Attempts, attempt)
			return l.finish(trace, StatusExhaustedRetries, start)
		}
		attempt.Completion = completion.Content

		sqlText, err := extract.Extract(completion.Content)
		if err != nil {
			attempt.ValidationError = err.Error()
			trace.Attempts = append(trace.Attempts, attempt)
			feedback = append(feedback, prompt.Feedback{SQL: completion.Content, Error: err.Error()})
			continue
		}
		attempt.SQL = sqlText

		outcome := validate.Validate(sqlText, snap, validate.Options{DefaultLimit: l.opts.DefaultLimit})
		if outcome.Rejected() {
			attempt.ValidationError = outcome.Err.Error()
			trace.Attempts = append(trace.Attempts, attempt)
			if outcome.Unsafe() {
				observability.IncrementUnsafeRejection()
				return l.finish(trace, StatusRejectedUnsafe, start)
			}
			feedback = append(feedback, prompt.Feedback{SQL: sqlText, Error: outcome.Err.Error()})
			continue
		}
		attempt.SQL = outcome.SQL

		result, err := l.runner.Execute(ctx, outcome.SQL, executor.Limits{
			Timeout: l.opts.QueryTimeout,
			MaxRows: l.opts.RowLimit,
		})
		if err != nil {
			if ctx.Err() != nil {
				trace.Attempts = append(trace.Attempts, attempt)
				return l.finish(trace, StatusCancelled, start)
			}
			attempt.ExecutionError = err.Error()
			trace.Attempts = append(trace.Attempts, attempt)
			feedback = append(feedback, prompt.Feedback{SQL: outcome.SQL, Error: err.Error()})
			continue
		}

		trace.Attempts = append(trace.Attempts, attempt)
		trace.Result = &result
		return l.finish(trace, StatusSuccess, start)
	}
	return l.finish(trace, StatusExhaustedRetries, start)
}

func (l *Loop) finish(trace Trace, status Status, start time.Time) Trace {
	trace.Status = status
	trace.Elapsed = time.Since(start)
	observability.ObserveAsk(string(status), len(trace.Attempts))
	return trace
}

// complete calls the gateway, retrying transport and timeout failures
// on their own budget so they do not consume repair attempts.
func (l *Loop) complete(ctx context.Context, composed prompt.Prompt) (llm.Completion, error) {
	req := llm.Request{System: composed.System, User: composed.User, Temperature: l.opts.Temperature}
	var lastErr error
	for try := 0; try <= l.opts.TransportRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return llm.Completion{}, ctx.Err()
			case <-time.After(l.opts.TransportBackoff):
			}
		}
		start := time.Now()
		completion, err := l.gateway.Complete(ctx, req)
		if err == nil {
			observability.ObserveModelCompletion(time.Since(start))
			return completion, nil
		}
		lastErr = err
		if !llm.Retryable(err) || errors.Is(err, context.Canceled) {
			return llm.Completion{}, err
		}
	}
	return llm.Completion{}, lastErr
}
