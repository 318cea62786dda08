package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	_ "modernc.org/sqlite" // Register sqlite driver
)

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend on an embedded SQLite database.
// Aggregate upserts use a per-row get-or-create loop instead of a native upsert.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// Open opens (or creates) the database at path and applies connection pragmas.
// Run migrations.RunMigrations with DialectSQLite before using the store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Pragmas are per connection; one connection keeps them applied and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	slog.Info("[SQLite] Store opened", "path", path)
	return &Store{
		db: db,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// DB returns the underlying *sql.DB for migrations and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite database: %w", err)
	}
	return nil
}

// FetchCompletions returns every leaf completion for (user, scope).
func (s *Store) FetchCompletions(ctx context.Context, userID, scopeKey string) ([]aggregation.CompletionLeaf, error) {
	rows, err := s.db.QueryContext(ctx, queryFetchCompletions, userID, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var leaves []aggregation.CompletionLeaf
	for rows.Next() {
		var (
			leaf     aggregation.CompletionLeaf
			modified int64
		)
		if err := rows.Scan(&leaf.UserID, &leaf.ScopeKey, &leaf.BlockKey, &leaf.Value, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan completion row: %w", err)
		}
		leaf.ModifiedAt = fromNanos(modified)
		leaves = append(leaves, leaf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completions: %w", err)
	}
	return leaves, nil
}

// SaveCompletion upserts a leaf completion. An unchanged value is a no-op and reports false.
func (s *Store) SaveCompletion(ctx context.Context, leaf aggregation.CompletionLeaf) (bool, error) {
	if err := leaf.Validate(); err != nil {
		return false, err
	}
	modified := leaf.ModifiedAt
	if modified.IsZero() {
		modified = s.nowFn()
	}

	result, err := s.db.ExecContext(ctx, querySaveCompletion,
		leaf.UserID,
		leaf.ScopeKey,
		leaf.BlockKey,
		leaf.Value,
		toNanos(modified),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save completion: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check completion write: %w", err)
	}
	return n > 0, nil
}

// ActiveUsers returns users holding completions or aggregates in the scope.
func (s *Store) ActiveUsers(ctx context.Context, scopeKey string) ([]string, error) {
	return s.queryStrings(ctx, queryActiveUsers, scopeKey, scopeKey)
}

// Scopes returns every scope with at least one completion.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, queryScopes)
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
