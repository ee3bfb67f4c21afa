package ask

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/internal/executor"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/schema"
)

type gatewayReply struct {
	content string
	err     error
}

type fakeGateway struct {
	replies  []gatewayReply
	requests []llm.Request
}

func (g *fakeGateway) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	g.requests = append(g.requests, req)
	if len(g.replies) == 0 {
		return llm.Completion{}, errors.New("no scripted reply")
	}
	reply := g.replies[0]
	g.replies = g.replies[1:]
	if reply.err != nil {
		return llm.Completion{}, reply.err
	}
	return llm.Completion{Content: reply.content, Model: "fake", Provider: "fake"}, nil
}

type runnerReply struct {
	result executor.ResultSet
	err    error
}

type fakeRunner struct {
	replies []runnerReply
	sqls    []string
}

func (r *fakeRunner) Execute(_ context.Context, sqlText string, _ executor.Limits) (executor.ResultSet, error) {
	r.sqls = append(r.sqls, sqlText)
	if len(r.replies) == 0 {
		return executor.ResultSet{}, errors.New("no scripted result")
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply.result, reply.err
}

func sampleSnapshot() schema.Snapshot {
	return schema.Snapshot{
		Binding: "media",
		Tables: []schema.Table{
			{
				Name: "shows",
				Columns: []schema.Column{
					{Name: "id", DataType: "integer"},
					{Name: "title", DataType: "text"},
					{Name: "country", DataType: "text"},
				},
				EstimatedRows: 120000,
			},
		},
	}
}

func newLoop(t *testing.T, gateway llm.Gateway, runner QueryRunner, opts Options) *Loop {
	t.Helper()
	loop, err := NewLoop(gateway, runner, opts)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	return loop
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{{content: "SELECT title FROM shows LIMIT 5"}}}
	runner := &fakeRunner{replies: []runnerReply{{result: executor.ResultSet{
		Columns: []string{"title"},
		Rows:    [][]any{{"Dark"}},
	}}}}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres"})

	trace := loop.Run(context.Background(), "list five show titles", sampleSnapshot())
	if trace.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", trace.Status)
	}
	if len(trace.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(trace.Attempts))
	}
	if trace.Result == nil || len(trace.Result.Rows) != 1 {
		t.Fatalf("result = %+v", trace.Result)
	}
	if trace.Attempts[0].SQL != "SELECT title FROM shows LIMIT 5" {
		t.Fatalf("attempt SQL = %q", trace.Attempts[0].SQL)
	}
}

func TestRunRepairsAfterExecutionError(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{content: "SELECT title FROM shows WHERE country > 5 LIMIT 5"},
		{content: "SELECT title FROM shows WHERE country = 'DE' LIMIT 5"},
	}}
	runner := &fakeRunner{replies: []runnerReply{
		{err: &executor.ExecutionError{Err: errors.New("operator does not exist: text > integer")}},
		{result: executor.ResultSet{Columns: []string{"title"}, Rows: [][]any{{"Dark"}}}},
	}}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres"})

	trace := loop.Run(context.Background(), "top five shows", sampleSnapshot())
	if trace.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", trace.Status)
	}
	if len(trace.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(trace.Attempts))
	}
	if trace.Attempts[0].ExecutionError == "" {
		t.Fatal("first attempt missing execution error")
	}
	if len(gateway.requests) != 2 {
		t.Fatalf("gateway calls = %d, want 2", len(gateway.requests))
	}
	if !strings.Contains(gateway.requests[1].User, "operator does not exist: text > integer") {
		t.Fatalf("second prompt missing error feedback:\n%s", gateway.requests[1].User)
	}
}

func TestRunUnsafeIsTerminalWithoutExecution(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{content: "WITH t AS (SELECT 1) DELETE FROM shows"},
		{content: "SELECT title FROM shows"},
	}}
	runner := &fakeRunner{}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres"})

	trace := loop.Run(context.Background(), "remove everything", sampleSnapshot())
	if trace.Status != StatusRejectedUnsafe {
		t.Fatalf("status = %s, want rejected_unsafe", trace.Status)
	}
	if len(trace.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(trace.Attempts))
	}
	if len(runner.sqls) != 0 {
		t.Fatalf("unsafe SQL reached the runner: %v", runner.sqls)
	}
	if trace.Result != nil {
		t.Fatal("unsafe trace must not carry a result")
	}
}

func TestRunStopsAtMaxAttempts(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{content: "SELECT bogus FROM shows"},
		{content: "SELECT bogus FROM shows"},
		{content: "SELECT bogus FROM shows"},
		{content: "SELECT bogus FROM shows"},
	}}
	runner := &fakeRunner{}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres", MaxAttempts: 3})

	trace := loop.Run(context.Background(), "mystery column", sampleSnapshot())
	if trace.Status != StatusExhaustedRetries {
		t.Fatalf("status = %s, want exhausted_retries", trace.Status)
	}
	if len(trace.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(trace.Attempts))
	}
	for i, attempt := range trace.Attempts {
		if attempt.ValidationError == "" {
			t.Fatalf("attempt %d missing validation error", i)
		}
	}
	if len(runner.sqls) != 0 {
		t.Fatalf("invalid SQL reached the runner: %v", runner.sqls)
	}
}

func TestRunCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop := newLoop(t, &fakeGateway{}, &fakeRunner{}, Options{Dialect: "postgres"})

	trace := loop.Run(ctx, "anything", sampleSnapshot())
	if trace.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", trace.Status)
	}
	if len(trace.Attempts) != 0 {
		t.Fatalf("attempts = %d, want 0", len(trace.Attempts))
	}
	if trace.Result != nil {
		t.Fatal("cancelled trace must not carry a result")
	}
}

func TestRunRetriesGatewayOnSeparateBudget(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{err: llm.ErrUnavailable},
		{content: "SELECT title FROM shows LIMIT 5"},
	}}
	runner := &fakeRunner{replies: []runnerReply{{result: executor.ResultSet{Columns: []string{"title"}}}}}
	loop := newLoop(t, gateway, runner, Options{
		Dialect:          "postgres",
		TransportRetries: 2,
		TransportBackoff: time.Millisecond,
	})

	trace := loop.Run(context.Background(), "list titles", sampleSnapshot())
	if trace.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", trace.Status)
	}
	if len(trace.Attempts) != 1 {
		t.Fatalf("transport retry consumed a repair attempt: %d attempts", len(trace.Attempts))
	}
	if len(gateway.requests) != 2 {
		t.Fatalf("gateway calls = %d, want 2", len(gateway.requests))
	}
}

func TestRunGatewayExhaustionIsTerminal(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{err: llm.ErrUnavailable},
		{err: llm.ErrUnavailable},
		{err: llm.ErrUnavailable},
	}}
	loop := newLoop(t, gateway, &fakeRunner{}, Options{
		Dialect:          "postgres",
		TransportRetries: 2,
		TransportBackoff: time.Millisecond,
	})

	trace := loop.Run(context.Background(), "list titles", sampleSnapshot())
	if trace.Status != StatusExhaustedRetries {
		t.Fatalf("status = %s, want exhausted_retries", trace.Status)
	}
	if len(trace.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(trace.Attempts))
	}
	if trace.Attempts[0].ModelError == "" {
		t.Fatal("attempt missing model error")
	}
	if len(gateway.requests) != 3 {
		t.Fatalf("gateway calls = %d, want 3 (1 + 2 retries)", len(gateway.requests))
	}
}

func TestRunRepairsAfterExtractionMiss(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{content: "I am sorry, I cannot help with that."},
		{content: "SELECT country FROM shows LIMIT 5"},
	}}
	runner := &fakeRunner{replies: []runnerReply{{result: executor.ResultSet{Columns: []string{"country"}}}}}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres"})

	trace := loop.Run(context.Background(), "countries", sampleSnapshot())
	if trace.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", trace.Status)
	}
	if len(trace.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(trace.Attempts))
	}
	if trace.Attempts[0].ValidationError == "" {
		t.Fatal("first attempt missing extraction error")
	}
}

func TestRunRepairsAfterUnknownIdentifier(t *testing.T) {
	gateway := &fakeGateway{replies: []gatewayReply{
		{content: "SELECT nation FROM shows LIMIT 5"},
		{content: "SELECT country FROM shows LIMIT 5"},
	}}
	runner := &fakeRunner{replies: []runnerReply{
		{result: executor.ResultSet{Columns: []string{"country"}, Rows: [][]any{{"DE"}}}},
	}}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres"})

	trace := loop.Run(context.Background(), "show countries", sampleSnapshot())
	if trace.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", trace.Status)
	}
	if len(trace.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(trace.Attempts))
	}
	if trace.Attempts[0].Index != 0 || trace.Attempts[1].Index != 1 {
		t.Fatalf("attempt indices = %d, %d, want 0, 1", trace.Attempts[0].Index, trace.Attempts[1].Index)
	}
	if !strings.Contains(trace.Attempts[0].ValidationError, "unknown identifiers: nation") {
		t.Fatalf("first attempt validation error = %q", trace.Attempts[0].ValidationError)
	}
	if trace.Attempts[0].ExecutionError != "" {
		t.Fatalf("rejected SQL reached execution: %q", trace.Attempts[0].ExecutionError)
	}
	if len(runner.sqls) != 1 {
		t.Fatalf("runner calls = %v, want only the corrected SQL", runner.sqls)
	}
	if !strings.Contains(gateway.requests[1].User, "nation") {
		t.Fatalf("second prompt missing identifier feedback:\n%s", gateway.requests[1].User)
	}
}

type cancellingRunner struct {
	cancel context.CancelFunc
	sqls   []string
}

func (r *cancellingRunner) Execute(_ context.Context, sqlText string, _ executor.Limits) (executor.ResultSet, error) {
	r.sqls = append(r.sqls, sqlText)
	r.cancel()
	return executor.ResultSet{}, context.Canceled
}

func TestRunCancelledDuringExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway := &fakeGateway{replies: []gatewayReply{
		{content: "SELECT title FROM shows LIMIT 5"},
		{content: "SELECT title FROM shows LIMIT 5"},
	}}
	runner := &cancellingRunner{cancel: cancel}
	loop := newLoop(t, gateway, runner, Options{Dialect: "postgres"})

	trace := loop.Run(ctx, "list titles", sampleSnapshot())
	if trace.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", trace.Status)
	}
	if len(trace.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(trace.Attempts))
	}
	if trace.Result != nil {
		t.Fatal("cancelled trace must not carry a result")
	}
	if len(runner.sqls) != 1 {
		t.Fatalf("runner calls = %d, want no retry after cancellation", len(runner.sqls))
	}
}
