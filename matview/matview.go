// Package matview manages the lifecycle of derived geometry views in the
// relational backend.
//
// The relational compiler materializes prepared (possibly buffered) source
// geometries as named, schema-scoped materialized views so the database can
// index them and later steps can reuse them. This package owns those
// objects: it creates them, tracks which consumers still reference them,
// drops them when unreferenced, and sweeps up views abandoned by crashed
// sessions.
//
// View names follow the wire contract `<prefix><session>_<logical-name>`;
// cleanup and diagnostic tooling parses names with the same rule, so the
// convention must never change shape.
package matview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"

	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/resilience"
)

const (
	// DefaultSchema is the dedicated schema holding derived views.
	DefaultSchema = "filtermate_temp"

	// DefaultPrefix namespaces every derived view.
	DefaultPrefix = "fm_"

	// indexSuffix names the spatial index that accompanies each view.
	indexSuffix = "_gix"
)

// ErrSkipped reports that the circuit breaker was open and the operation was
// skipped. Callers treat it as a neutral no-op, never as a failure.
var ErrSkipped = errors.New("maintenance skipped: circuit breaker open")

// Record describes one managed view.
type Record struct {
	Name      string
	Schema    string
	SessionID string
	CreatedAt time.Time
}

// Metrics are cumulative maintenance counters.
type Metrics struct {
	ViewsCleaned   int64
	IndexesCleaned int64
	Errors         int64
	LastCleanup    time.Time
}

// Config configures a Manager.
type Config struct {
	// DB is the maintenance connection.
	// REQUIRED.
	DB *sql.DB

	// Reconnect re-establishes the maintenance connection after a
	// connection-test failure. OPTIONAL: without it the single retry runs
	// on the original handle.
	Reconnect func(ctx context.Context) (*sql.DB, error)

	// Schema holding derived views. OPTIONAL: DefaultSchema if empty.
	Schema string

	// Prefix namespacing view names. OPTIONAL: DefaultPrefix if empty.
	Prefix string

	// Breaker consulted around maintenance SQL.
	// OPTIONAL: a never-open breaker if nil.
	Breaker resilience.Breaker

	// Logger for maintenance diagnostics.
	// OPTIONAL: uses slog.Default() if nil.
	Logger *slog.Logger
}

// Manager is the materialized-view lifecycle manager. Reference bookkeeping
// is in-memory and mutex-guarded; one Manager serves all workers of a
// session.
type Manager struct {
	// sqlMu serializes maintenance SQL: the connection is not assumed safe
	// for concurrent use, so it is confined to one worker at a time.
	sqlMu     sync.Mutex
	db        *sql.DB
	reconnect func(ctx context.Context) (*sql.DB, error)
	schema    string
	prefix    string
	breaker   resilience.Breaker
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	refs    map[string]map[string]bool // view name -> consumer ids

	metricsMu sync.Mutex
	metrics   Metrics
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("matview: config requires a database handle")
	}
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.Noop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		db:        cfg.DB,
		reconnect: cfg.Reconnect,
		schema:    cfg.Schema,
		prefix:    cfg.Prefix,
		breaker:   cfg.Breaker,
		logger:    cfg.Logger,
		records:   make(map[string]*Record),
		refs:      make(map[string]map[string]bool),
	}, nil
}

// Schema returns the managed schema name.
func (m *Manager) Schema() string { return m.schema }

// ViewName builds the wire-contract name for a derived view. Session ids
// are sanitized so the session segment never contains an underscore, which
// keeps ParseViewName unambiguous.
func (m *Manager) ViewName(sessionID, logicalName string) string {
	return m.prefix + SanitizeSession(sessionID) + "_" + sanitizeIdent(logicalName)
}

// SanitizeSession normalizes a session id for embedding in object names.
func SanitizeSession(sessionID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sessionID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ParseViewName splits a managed view name into session and logical parts.
// Returns ok=false for names outside the naming contract.
func ParseViewName(prefix, name string) (session, logical string, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	rest := name[len(prefix):]
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// EnsureSchema creates the managed schema if missing.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	return m.exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+dialect.QuoteIdentifier(m.schema))
}

// CreateView materializes selectSQL as a view named for the session and
// logical name, plus a GiST index on the geometry column. Returns the
// qualified view name. Re-creating an existing view is a no-op.
func (m *Manager) CreateView(ctx context.Context, sessionID, logicalName, selectSQL, geomColumn string) (string, error) {
	name := m.ViewName(sessionID, logicalName)
	qualified := dialect.QuoteIdentifier(m.schema) + "." + dialect.QuoteIdentifier(name)

	if err := m.EnsureSchema(ctx); err != nil {
		return "", err
	}

	err := m.exec(ctx,
		"CREATE MATERIALIZED VIEW IF NOT EXISTS "+qualified+" AS "+selectSQL)
	if err != nil {
		return "", fmt.Errorf("create view %s: %w", name, err)
	}

	if geomColumn != "" {
		idx := dialect.QuoteIdentifier(name + indexSuffix)
		err = m.exec(ctx,
			"CREATE INDEX IF NOT EXISTS "+idx+" ON "+qualified+
				" USING GIST ("+dialect.QuoteIdentifier(geomColumn)+")")
		if err != nil {
			// The view is usable without its index, just slower.
			m.logger.Warn("spatial index creation failed", "view", name, "error", err)
			m.countError()
		}
	}

	m.mu.Lock()
	if _, ok := m.records[name]; !ok {
		m.records[name] = &Record{
			Name:      name,
			Schema:    m.schema,
			SessionID: SanitizeSession(sessionID),
			CreatedAt: time.Now(),
		}
	}
	m.mu.Unlock()

	return qualified, nil
}

// AddReference registers a consumer of a view.
func (m *Manager) AddReference(viewName, consumer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.refs[viewName]
	if !ok {
		set = make(map[string]bool)
		m.refs[viewName] = set
	}
	set[consumer] = true
}

// ReleaseAllReferencesFor drops every reference held by a consumer and
// returns the views left with an empty reference set. A returned view never
// has another active reference.
func (m *Manager) ReleaseAllReferencesFor(consumer string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var droppable []string
	for view, set := range m.refs {
		if !set[consumer] {
			continue
		}
		delete(set, consumer)
		if len(set) == 0 {
			droppable = append(droppable, view)
		}
	}
	return droppable
}

// DropViews drops the named views and their spatial indexes, tolerating
// objects that no longer exist. Per-object failures are logged and counted,
// never aborting the batch. Returns the number of views dropped.
func (m *Manager) DropViews(ctx context.Context, names []string) int {
	dropped := 0
	for _, name := range names {
		if err := m.dropOne(ctx, name); err != nil {
			if errors.Is(err, ErrSkipped) {
				return dropped
			}
			m.logger.Warn("view drop failed", "view", name, "error", err)
			m.countError()
			continue
		}
		dropped++
	}
	m.touchCleanup(dropped)
	return dropped
}

func (m *Manager) dropOne(ctx context.Context, name string) error {
	// The index goes first; IF EXISTS tolerates a missing one.
	idx := dialect.QuoteIdentifier(m.schema) + "." + dialect.QuoteIdentifier(name+indexSuffix)
	if err := m.exec(ctx, "DROP INDEX IF EXISTS "+idx); err != nil {
		if errors.Is(err, ErrSkipped) {
			return err
		}
		m.logger.Warn("index drop failed", "view", name, "error", err)
		m.countError()
	} else {
		m.metricsMu.Lock()
		m.metrics.IndexesCleaned++
		m.metricsMu.Unlock()
	}

	qualified := dialect.QuoteIdentifier(m.schema) + "." + dialect.QuoteIdentifier(name)
	if err := m.exec(ctx, "DROP MATERIALIZED VIEW IF EXISTS "+qualified); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.records, name)
	delete(m.refs, name)
	m.mu.Unlock()
	return nil
}

// CleanupSession drops every view belonging to a session, referenced or not.
// Session teardown outranks reference counting: the consumers are gone.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) (int, error) {
	session := SanitizeSession(sessionID)
	names, err := m.listViews(ctx)
	if err != nil {
		if errors.Is(err, ErrSkipped) {
			return 0, nil
		}
		return 0, err
	}

	var mine []string
	for _, name := range names {
		s, _, ok := ParseViewName(m.prefix, name)
		if ok && s == session {
			mine = append(mine, name)
		}
	}
	return m.DropViews(ctx, mine), nil
}

// CleanupOrphaned drops views whose session is not in knownSessions.
// Views created by this process are kept until older than maxAge; views from
// prior runs (no in-memory record) are dropped immediately. References do
// not protect orphans.
func (m *Manager) CleanupOrphaned(ctx context.Context, knownSessions []string, maxAge time.Duration) (int, error) {
	known := make(map[string]bool, len(knownSessions))
	for _, s := range knownSessions {
		known[SanitizeSession(s)] = true
	}

	names, err := m.listViews(ctx)
	if err != nil {
		if errors.Is(err, ErrSkipped) {
			return 0, nil
		}
		return 0, err
	}

	now := time.Now()
	var orphans []string
	for _, name := range names {
		session, _, ok := ParseViewName(m.prefix, name)
		if !ok || known[session] {
			continue
		}
		m.mu.Lock()
		rec := m.records[name]
		m.mu.Unlock()
		if rec != nil && now.Sub(rec.CreatedAt) < maxAge {
			continue
		}
		orphans = append(orphans, name)
	}
	return m.DropViews(ctx, orphans), nil
}

// DropSchemaIfEmpty drops the managed schema when it holds no views, or
// unconditionally (CASCADE) when force is set. Reports whether the schema
// was dropped.
func (m *Manager) DropSchemaIfEmpty(ctx context.Context, force bool) (bool, error) {
	if !force {
		names, err := m.listViews(ctx)
		if err != nil {
			if errors.Is(err, ErrSkipped) {
				return false, nil
			}
			return false, err
		}
		if len(names) > 0 {
			return false, nil
		}
	}

	stmt := "DROP SCHEMA IF EXISTS " + dialect.QuoteIdentifier(m.schema)
	if force {
		stmt += " CASCADE"
	}
	if err := m.exec(ctx, stmt); err != nil {
		if errors.Is(err, ErrSkipped) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Records returns a snapshot of the managed view records.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

// Metrics returns a snapshot of the maintenance counters.
func (m *Manager) Metrics() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metrics
}

// listViews queries the database catalog for managed view names.
func (m *Manager) listViews(ctx context.Context) ([]string, error) {
	if m.breaker.IsOpen() {
		return nil, ErrSkipped
	}

	m.sqlMu.Lock()
	defer m.sqlMu.Unlock()

	query, args, err := sq.Select("matviewname").
		From("pg_matviews").
		Where(sq.Eq{"schemaname": m.schema}).
		Where(sq.Like{"matviewname": m.prefix + "%"}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		m.breaker.RecordFailure()
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()
	m.breaker.RecordSuccess()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// exec runs one maintenance statement under the breaker. On a
// connection-test failure it reconnects and retries exactly once, then
// reports the failure without masking it as success.
func (m *Manager) exec(ctx context.Context, stmt string) error {
	if m.breaker.IsOpen() {
		return ErrSkipped
	}

	m.sqlMu.Lock()
	defer m.sqlMu.Unlock()

	if err := m.db.PingContext(ctx); err != nil {
		m.logger.Warn("maintenance connection test failed, reconnecting", "error", err)
		retry := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1), ctx)
		rerr := backoff.Retry(func() error {
			if m.reconnect != nil {
				db, err := m.reconnect(ctx)
				if err != nil {
					return err
				}
				m.db = db
			}
			return m.db.PingContext(ctx)
		}, retry)
		if rerr != nil {
			m.breaker.RecordFailure()
			m.countError()
			return fmt.Errorf("reconnect failed: %w", rerr)
		}
	}

	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		m.breaker.RecordFailure()
		m.countError()
		return err
	}
	m.breaker.RecordSuccess()
	return nil
}

func (m *Manager) countError() {
	m.metricsMu.Lock()
	m.metrics.Errors++
	m.metricsMu.Unlock()
}

func (m *Manager) touchCleanup(dropped int) {
	m.metricsMu.Lock()
	m.metrics.ViewsCleaned += int64(dropped)
	m.metrics.LastCleanup = time.Now()
	m.metricsMu.Unlock()
}
