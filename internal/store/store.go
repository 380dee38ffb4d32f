// Package store provides SQLite persistence for Connection, Task,
// AuthConnection, their audit history, and OAuth2 Authorization-Code
// checkpoints. SQLite has no session-scoped tenant facility, so list
// queries and version-checked updates carry an explicit `WHERE tenant = ?`
// predicate. Lookups and deletes by TRN filter on the TRN alone (its tenant
// segment names the tenant); checkpoint queries filter on run_id only.
package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aionixone/openact/internal/metrics"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/vault"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the SQLite handle and optional metrics recorder shared by
// every entity-specific file in this package (connections.go, tasks.go,
// auth_connections.go, checkpoints.go).
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
	vault   *vault.Vault
}

// Open connects to the SQLite database at dsn, applies pending migrations,
// and caps the pool at one open connection (SQLite is single-writer).
func Open(ctx context.Context, dsn string) (*Store, error) {
	const op = "store.Open"
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to enable foreign keys", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// WithMetrics attaches a metrics recorder.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// WithVault attaches the vault used to seal/open secret fields on every
// Connection/AuthConnection read and write. No secret is persisted in
// plaintext.
func (s *Store) WithVault(v *vault.Vault) *Store {
	s.vault = v
	return s
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers (cmd/migrate) that need raw
// access outside this package's CRUD surface.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Pagination defaults: 100 per page, capped at 1000.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// normalizePagination applies the default/cap rule to a caller-supplied
// limit.
func normalizePagination(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

func (s *Store) recordQuery(operation, table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDBQuery(operation, table, status, time.Since(start).Seconds())
}

// migrate applies every embedded *.sql file in lexical order exactly once,
// tracked by a schema_migrations table.
func (s *Store) migrate(ctx context.Context) error {
	const op = "store.migrate"

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to create schema_migrations", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to read embedded migrations", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return openacterr.Wrap(openacterr.KindInternal, op, "invalid migration filename", err).WithDetails(map[string]any{"file": name})
		}

		var applied int
		if err := s.db.GetContext(ctx, &applied, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version); err != nil {
			return openacterr.Wrap(openacterr.KindInternal, op, "failed to check migration state", err)
		}
		if applied > 0 {
			continue
		}

		contents, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return openacterr.Wrap(openacterr.KindInternal, op, "failed to read migration file", err).WithDetails(map[string]any{"file": name})
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return openacterr.Wrap(openacterr.KindInternal, op, "failed to begin migration transaction", err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			tx.Rollback()
			return openacterr.Wrap(openacterr.KindInternal, op, "failed to apply migration", err).WithDetails(map[string]any{"file": name})
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return openacterr.Wrap(openacterr.KindInternal, op, "failed to record migration", err).WithDetails(map[string]any{"file": name})
		}
		if err := tx.Commit(); err != nil {
			return openacterr.Wrap(openacterr.KindInternal, op, "failed to commit migration", err).WithDetails(map[string]any{"file": name})
		}
	}
	return nil
}

// sealedOf reconstructs a vault.Sealed value from the columns a row stores
// ciphertext/nonce/key_version as, shared by every entity file that reads
// encrypted columns back out.
func sealedOf(ciphertext, nonce []byte, keyVersion uint32) vault.Sealed {
	return vault.Sealed{Ciphertext: ciphertext, Nonce: nonce, KeyVersion: keyVersion}
}

// migrationVersion extracts the leading numeric prefix of a migration file
// name, e.g. "0001_init.sql" -> 1.
func migrationVersion(name string) (int, error) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, fmt.Errorf("missing version prefix in %q", name)
	}
	return strconv.Atoi(prefix)
}
