package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/tabletalk/tabletalk/internal/schema"
	"github.com/tabletalk/tabletalk/internal/session"
)

type schemaColumn struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

type schemaForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

type schemaTable struct {
	Name          string             `json:"name"`
	Columns       []schemaColumn     `json:"columns"`
	PrimaryKey    []string           `json:"primary_key,omitempty"`
	ForeignKeys   []schemaForeignKey `json:"foreign_keys,omitempty"`
	EstimatedRows int64              `json:"estimated_rows,omitempty"`
}

type schemaResponse struct {
	Binding    string        `json:"binding"`
	CapturedAt time.Time     `json:"captured_at"`
	Tables     []schemaTable `json:"tables"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("binding")
	refresh := r.URL.Query().Get("refresh") == "true"

	snap, err := deps.Sessions.Snapshot(r.Context(), name, refresh)
	if err != nil {
		var introErr *schema.IntrospectionError
		switch {
		case errors.Is(err, session.ErrUnknownBinding), errors.Is(err, session.ErrNoBindings):
			writeError(r.Context(), w, http.StatusNotFound, "UNKNOWN_BINDING", err.Error(), false, nil)
		case errors.As(err, &introErr):
			writeError(r.Context(), w, http.StatusBadGateway, "INTROSPECTION_FAILED", err.Error(), true, nil)
		default:
			writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, buildSchemaResponse(snap))
}

func buildSchemaResponse(snap schema.Snapshot) schemaResponse {
	resp := schemaResponse{
		Binding:    snap.Binding,
		CapturedAt: snap.CapturedAt,
		Tables:     make([]schemaTable, 0, len(snap.Tables)),
	}
	for _, table := range snap.Tables {
		view := schemaTable{
			Name:          table.Name,
			Columns:       make([]schemaColumn, 0, len(table.Columns)),
			PrimaryKey:    table.PrimaryKey,
			EstimatedRows: table.EstimatedRows,
		}
		for _, col := range table.Columns {
			view.Columns = append(view.Columns, schemaColumn{Name: col.Name, DataType: col.DataType, Nullable: col.Nullable})
		}
		for _, fk := range table.ForeignKeys {
			view.ForeignKeys = append(view.ForeignKeys, schemaForeignKey{Column: fk.Column, RefTable: fk.RefTable, RefColumn: fk.RefColumn})
		}
		resp.Tables = append(resp.Tables, view)
	}
	return resp
}
