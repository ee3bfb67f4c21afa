package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tabletalk/tabletalk/internal/session"
)

type bindingView struct {
	Name    string `json:"name"`
	Dialect string `json:"dialect"`
}

func handleListBindings(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	bindings := deps.Sessions.ListBindings()
	// Descriptors carry credentials and never leave the service.
	views := make([]bindingView, 0, len(bindings))
	for _, binding := range bindings {
		views = append(views, bindingView{Name: binding.Name, Dialect: binding.Dialect})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": views})
}

type addBindingRequest struct {
	Name       string `json:"name"`
	Descriptor string `json:"descriptor"`
	Dialect    string `json:"dialect"`
}

func handleAddBinding(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req addBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error(), false, nil)
		return
	}

	err := deps.Sessions.AddBinding(r.Context(), session.Binding{
		Name:       req.Name,
		Descriptor: req.Descriptor,
		Dialect:    req.Dialect,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, bindingView{Name: req.Name, Dialect: req.Dialect})
	case errors.Is(err, session.ErrBindingExists):
		writeError(r.Context(), w, http.StatusConflict, "BINDING_EXISTS", err.Error(), false, nil)
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BINDING", err.Error(), false, nil)
	}
}

func handleRemoveBinding(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("binding")
	err := deps.Sessions.RemoveBinding(name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrUnknownBinding):
		writeError(r.Context(), w, http.StatusNotFound, "UNKNOWN_BINDING", err.Error(), false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
	}
}
