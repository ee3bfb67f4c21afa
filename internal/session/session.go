// Package session owns named database bindings and dispatches
// questions through the repair loop.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/internal/ask"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/executor"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/schema"
)

var (
	ErrNoBindings       = errors.New("no bindings registered")
	ErrUnknownBinding   = errors.New("unknown binding")
	ErrAmbiguousBinding = errors.New("several bindings registered, name one")
	ErrBindingExists    = errors.New("binding already registered")
)

// Binding names one reachable database.
type Binding struct {
	Name       string `json:"name"`
	Descriptor string `json:"descriptor"`
	Dialect    string `json:"dialect"`
}

// ParseStaticBindings parses "name|dialect|descriptor" entries
// separated by semicolons. The pipe separator keeps descriptor DSNs,
// which routinely contain colons, unambiguous.
func ParseStaticBindings(spec string) ([]Binding, error) {
	var bindings []Binding
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid binding entry %q: want name|dialect|descriptor", entry)
		}
		binding := Binding{
			Name:       strings.TrimSpace(parts[0]),
			Dialect:    strings.TrimSpace(parts[1]),
			Descriptor: strings.TrimSpace(parts[2]),
		}
		if binding.Name == "" || binding.Dialect == "" || binding.Descriptor == "" {
			return nil, fmt.Errorf("invalid binding entry %q: empty field", entry)
		}
		bindings = append(bindings, binding)
	}
	return bindings, nil
}

type boundDB struct {
	binding Binding
	db      *sql.DB
	intro   schema.Introspector
}

// Archiver persists successful traces. Nil disables archiving.
type Archiver interface {
	Archive(ctx context.Context, trace ask.Trace) (string, error)
}

// AskOptions override per-call what config defaults otherwise supply.
type AskOptions struct {
	Binding       string
	MaxAttempts   int
	RowLimit      int
	QueryTimeout  time.Duration
	RefreshSchema bool
	SkipArchive   bool
}

// Result pairs the trace with the archive key when one was written.
type Result struct {
	Trace       ask.Trace
	ArchivedKey string
}

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Gateway  llm.Gateway
	Catalog  *schema.Catalog
	Ask      config.AskConfig
	Schema   config.SchemaConfig
	Model    config.ModelConfig
	Archiver Archiver
	Logger   *slog.Logger
}

// Manager is safe for concurrent use. Asks share pooled connections
// and read-shared schema snapshots.
type Manager struct {
	mu       sync.RWMutex
	bindings map[string]*boundDB

	gateway  llm.Gateway
	catalog  *schema.Catalog
	askCfg   config.AskConfig
	schema   config.SchemaConfig
	model    config.ModelConfig
	archiver Archiver
	logger   *slog.Logger

	openDB          func(ctx context.Context, descriptor, dialect string) (*sql.DB, error)
	introspectorFor func(dialect string) (schema.Introspector, error)
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bindings:        map[string]*boundDB{},
		gateway:         cfg.Gateway,
		catalog:         cfg.Catalog,
		askCfg:          cfg.Ask,
		schema:          cfg.Schema,
		model:           cfg.Model,
		archiver:        cfg.Archiver,
		logger:          logger,
		openDB:          executor.Open,
		introspectorFor: schema.ForDialect,
	}, nil
}

// AddBinding opens and registers a database under a unique name.
func (m *Manager) AddBinding(ctx context.Context, binding Binding) error {
	binding.Name = strings.TrimSpace(binding.Name)
	if binding.Name == "" {
		return fmt.Errorf("binding name is required")
	}
	if strings.TrimSpace(binding.Descriptor) == "" {
		return fmt.Errorf("binding descriptor is required")
	}
	intro, err := m.introspectorFor(binding.Dialect)
	if err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.bindings[binding.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrBindingExists, binding.Name)
	}

	// Dialing can be slow; keep the lock free while it runs.
	db, err := m.openDB(ctx, binding.Descriptor, binding.Dialect)
	if err != nil {
		return fmt.Errorf("open binding %q: %w", binding.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bindings[binding.Name]; exists {
		_ = db.Close()
		return fmt.Errorf("%w: %s", ErrBindingExists, binding.Name)
	}
	m.bindings[binding.Name] = &boundDB{binding: binding, db: db, intro: intro}
	m.logger.InfoContext(ctx, "binding registered",
		slog.String("binding", binding.Name),
		slog.String("dialect", binding.Dialect),
	)
	return nil
}

// RemoveBinding closes the handle and drops the cached snapshot.
func (m *Manager) RemoveBinding(name string) error {
	m.mu.Lock()
	bound, ok := m.bindings[name]
	if ok {
		delete(m.bindings, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBinding, name)
	}
	m.catalog.Invalidate(name)
	if err := bound.db.Close(); err != nil {
		return fmt.Errorf("close binding %q: %w", name, err)
	}
	return nil
}

// ListBindings returns registered bindings sorted by name, with
// descriptors redacted to the dialect-visible part only.
func (m *Manager) ListBindings() []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Binding, 0, len(m.bindings))
	for _, bound := range m.bindings {
		out = append(out, bound.binding)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Ask resolves the binding, refreshes its snapshot, and runs the loop.
func (m *Manager) Ask(ctx context.Context, question string, opts AskOptions) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return Result{}, fmt.Errorf("question is required")
	}
	bound, err := m.resolveBinding(opts.Binding)
	if err != nil {
		return Result{}, err
	}

	maxAge := m.schema.TTL
	if opts.RefreshSchema {
		maxAge = 0
	}
	snap, err := m.catalog.Get(ctx, bound.binding.Name, bound.db, bound.intro, maxAge)
	if err != nil {
		return Result{}, err
	}

	loop, err := ask.NewLoop(m.gateway, executor.New(bound.db), m.loopOptions(bound.binding.Dialect, opts))
	if err != nil {
		return Result{}, err
	}
	trace := loop.Run(ctx, question, snap)
	result := Result{Trace: trace}

	if m.archiver != nil && !opts.SkipArchive && trace.Status == ask.StatusSuccess {
		key, err := m.archiver.Archive(ctx, trace)
		if err != nil {
			m.logger.WarnContext(ctx, "archive failed",
				slog.String("binding", bound.binding.Name),
				slog.String("error", err.Error()),
			)
		} else {
			result.ArchivedKey = key
		}
	}
	return result, nil
}

func (m *Manager) loopOptions(dialect string, opts AskOptions) ask.Options {
	loopOpts := ask.Options{
		Dialect:          dialect,
		MaxAttempts:      m.askCfg.MaxAttempts,
		DefaultLimit:     m.askCfg.DefaultLimit,
		RowLimit:         m.askCfg.RowLimit,
		QueryTimeout:     m.askCfg.QueryTimeout,
		Temperature:      m.model.Temperature,
		TableBudget:      m.schema.TableBudget,
		TransportRetries: m.askCfg.TransportRetries,
		TransportBackoff: m.askCfg.TransportBackoff,
	}
	if opts.MaxAttempts > 0 {
		loopOpts.MaxAttempts = opts.MaxAttempts
	}
	if opts.RowLimit > 0 {
		loopOpts.RowLimit = opts.RowLimit
	}
	if opts.QueryTimeout > 0 {
		loopOpts.QueryTimeout = opts.QueryTimeout
	}
	return loopOpts
}

func (m *Manager) resolveBinding(name string) (*boundDB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bindings) == 0 {
		return nil, ErrNoBindings
	}
	name = strings.TrimSpace(name)
	if name == "" {
		if len(m.bindings) > 1 {
			return nil, ErrAmbiguousBinding
		}
		for _, bound := range m.bindings {
			return bound, nil
		}
	}
	bound, ok := m.bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBinding, name)
	}
	return bound, nil
}

// Snapshot exposes the (possibly refreshed) schema of one binding.
func (m *Manager) Snapshot(ctx context.Context, name string, refresh bool) (schema.Snapshot, error) {
	bound, err := m.resolveBinding(name)
	if err != nil {
		return schema.Snapshot{}, err
	}
	maxAge := m.schema.TTL
	if refresh {
		maxAge = 0
	}
	return m.catalog.Get(ctx, bound.binding.Name, bound.db, bound.intro, maxAge)
}

// Close releases every handle and clears the snapshot cache.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, bound := range m.bindings {
		if err := bound.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close binding %q: %w", name, err)
		}
		delete(m.bindings, name)
	}
	m.catalog.Clear()
	return firstErr
}
