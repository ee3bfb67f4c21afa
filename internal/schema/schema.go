// Package schema captures and caches structural metadata for registered
// databases: tables, columns, primary keys and foreign key edges.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/internal/observability"
)

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

type Table struct {
	Name          string       `json:"name"`
	Columns       []Column     `json:"columns"`
	PrimaryKey    []string     `json:"primary_key,omitempty"`
	ForeignKeys   []ForeignKey `json:"foreign_keys,omitempty"`
	EstimatedRows int64        `json:"estimated_rows,omitempty"`
}

// Snapshot is an immutable capture of one binding's schema. Staleness is
// explicit through CapturedAt; callers decide how old is too old.
type Snapshot struct {
	Binding    string    `json:"binding"`
	Tables     []Table   `json:"tables"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s Snapshot) Table(name string) (Table, bool) {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

func (s Snapshot) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

func (s Snapshot) HasColumn(tableName, columnName string) bool {
	table, ok := s.Table(tableName)
	if !ok {
		return false
	}
	for _, column := range table.Columns {
		if strings.EqualFold(column.Name, columnName) {
			return true
		}
	}
	return false
}

// HasAnyColumn reports whether any table in the snapshot has the column.
// Needed for statements that reference columns without qualifying the table.
func (s Snapshot) HasAnyColumn(columnName string) bool {
	for _, table := range s.Tables {
		for _, column := range table.Columns {
			if strings.EqualFold(column.Name, columnName) {
				return true
			}
		}
	}
	return false
}

// Describe renders the snapshot as plain text suitable for a model prompt.
func (s Snapshot) Describe() string {
	var b strings.Builder
	for _, table := range s.Tables {
		b.WriteString("TABLE ")
		b.WriteString(table.Name)
		b.WriteString("\n")
		for _, column := range table.Columns {
			b.WriteString("  - ")
			b.WriteString(column.Name)
			b.WriteString(" (")
			b.WriteString(column.DataType)
			b.WriteString(")")
			if isPrimaryKey(table, column.Name) {
				b.WriteString(" [PK]")
			}
			if fk, ok := foreignKeyFor(table, column.Name); ok {
				b.WriteString(" [FK -> " + fk.RefTable + "." + fk.RefColumn + "]")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func isPrimaryKey(table Table, columnName string) bool {
	for _, pk := range table.PrimaryKey {
		if strings.EqualFold(pk, columnName) {
			return true
		}
	}
	return false
}

func foreignKeyFor(table Table, columnName string) (ForeignKey, bool) {
	for _, fk := range table.ForeignKeys {
		if strings.EqualFold(fk.Column, columnName) {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// IntrospectionError marks metadata capture failures. These are fatal to an
// ask: without a schema there is nothing to prompt with.
type IntrospectionError struct {
	Binding string
	Err     error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("introspect binding %q: %v", e.Binding, e.Err)
}

func (e *IntrospectionError) Unwrap() error {
	return e.Err
}

type Introspector interface {
	Introspect(ctx context.Context, db *sql.DB) ([]Table, error)
}

// Catalog caches one snapshot per binding. Reads are shared; refresh takes
// the write lock.
type Catalog struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	now       func() time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

// Capture introspects the binding and replaces its cached snapshot.
func (c *Catalog) Capture(ctx context.Context, binding string, db *sql.DB, intro Introspector) (Snapshot, error) {
	start := c.now()
	tables, err := intro.Introspect(ctx, db)
	if err != nil {
		return Snapshot{}, &IntrospectionError{Binding: binding, Err: err}
	}
	observability.ObserveSchemaCapture(c.now().Sub(start))

	snapshot := Snapshot{
		Binding:    binding,
		Tables:     tables,
		CapturedAt: c.now().UTC(),
	}
	c.mu.Lock()
	c.snapshots[binding] = snapshot
	c.mu.Unlock()
	return snapshot, nil
}

// Get returns the cached snapshot when younger than maxAge, otherwise
// recaptures. maxAge <= 0 forces a recapture.
func (c *Catalog) Get(ctx context.Context, binding string, db *sql.DB, intro Introspector, maxAge time.Duration) (Snapshot, error) {
	if maxAge > 0 {
		c.mu.RLock()
		snapshot, ok := c.snapshots[binding]
		c.mu.RUnlock()
		if ok && c.now().Sub(snapshot.CapturedAt) < maxAge {
			observability.ObserveSchemaCacheLookup(true)
			return snapshot, nil
		}
	}
	observability.ObserveSchemaCacheLookup(false)
	return c.Capture(ctx, binding, db, intro)
}

func (c *Catalog) Invalidate(binding string) {
	c.mu.Lock()
	delete(c.snapshots, binding)
	c.mu.Unlock()
}

func (c *Catalog) Clear() {
	c.mu.Lock()
	c.snapshots = make(map[string]Snapshot)
	c.mu.Unlock()
}
