package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tabletalk/tabletalk/internal/ask"
	"github.com/tabletalk/tabletalk/internal/schema"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/tabular"
)

type askRequest struct {
	Question      string `json:"question"`
	Binding       string `json:"binding"`
	MaxAttempts   int    `json:"max_attempts"`
	RowLimit      int    `json:"row_limit"`
	TimeoutMS     int    `json:"timeout_ms"`
	RefreshSchema bool   `json:"refresh_schema"`
	Render        string `json:"render"`
}

type askAttempt struct {
	Index           int    `json:"index"`
	SQL             string `json:"sql,omitempty"`
	ModelError      string `json:"model_error,omitempty"`
	ValidationError string `json:"validation_error,omitempty"`
	ExecutionError  string `json:"execution_error,omitempty"`
}

type askResponse struct {
	Status      string       `json:"status"`
	Binding     string       `json:"binding"`
	Attempts    []askAttempt `json:"attempts"`
	Columns     []string     `json:"columns,omitempty"`
	Rows        [][]any      `json:"rows,omitempty"`
	Truncated   bool         `json:"truncated,omitempty"`
	Rendered    string       `json:"rendered,omitempty"`
	ArchivedKey string       `json:"archived_key,omitempty"`
	ElapsedMS   int64        `json:"elapsed_ms"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error(), false, nil)
		return
	}
	if req.Question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "question is required", false, nil)
		return
	}
	switch req.Render {
	case "", "text", "markdown":
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "render must be text or markdown", false, nil)
		return
	}

	result, err := deps.Sessions.Ask(r.Context(), req.Question, session.AskOptions{
		Binding:       req.Binding,
		MaxAttempts:   req.MaxAttempts,
		RowLimit:      req.RowLimit,
		QueryTimeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
		RefreshSchema: req.RefreshSchema,
	})
	if err != nil {
		writeAskError(deps, w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, buildAskResponse(result, req.Render))
}

func buildAskResponse(result session.Result, render string) askResponse {
	trace := result.Trace
	resp := askResponse{
		Status:      string(trace.Status),
		Binding:     trace.Binding,
		Attempts:    make([]askAttempt, 0, len(trace.Attempts)),
		ArchivedKey: result.ArchivedKey,
		ElapsedMS:   trace.Elapsed.Milliseconds(),
	}
	for _, attempt := range trace.Attempts {
		resp.Attempts = append(resp.Attempts, askAttempt{
			Index:           attempt.Index,
			SQL:             attempt.SQL,
			ModelError:      attempt.ModelError,
			ValidationError: attempt.ValidationError,
			ExecutionError:  attempt.ExecutionError,
		})
	}
	if trace.Status == ask.StatusSuccess && trace.Result != nil {
		resp.Columns = trace.Result.Columns
		resp.Rows = trace.Result.Rows
		resp.Truncated = trace.Result.Truncated
		table := tabular.FromResultSet(*trace.Result)
		switch render {
		case "text":
			resp.Rendered = table.RenderText()
		case "markdown":
			resp.Rendered = table.RenderMarkdown()
		}
	}
	return resp
}

func writeAskError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var introErr *schema.IntrospectionError
	switch {
	case errors.Is(err, session.ErrNoBindings):
		writeError(ctx, w, http.StatusConflict, "NO_BINDINGS", err.Error(), false, nil)
	case errors.Is(err, session.ErrUnknownBinding):
		writeError(ctx, w, http.StatusNotFound, "UNKNOWN_BINDING", err.Error(), false, nil)
	case errors.Is(err, session.ErrAmbiguousBinding):
		writeError(ctx, w, http.StatusBadRequest, "AMBIGUOUS_BINDING", err.Error(), false, nil)
	case errors.As(err, &introErr):
		writeError(ctx, w, http.StatusBadGateway, "INTROSPECTION_FAILED", err.Error(), true, map[string]any{
			"binding": introErr.Binding,
		})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusRequestTimeout, "CANCELLED", err.Error(), true, nil)
	default:
		if deps.Logger != nil {
			deps.Logger.ErrorContext(ctx, "ask failed", "error", err.Error())
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
	}
}
