package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/keelhq/keel/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListLimit = 100

// DefaultLeaseTTL is how long a taken execution graph stays reserved for the
// store instance that took it.
const DefaultLeaseTTL = 5 * time.Minute

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Owner names this store instance in execution graph leases. Every
	// process sharing a database needs its own owner.
	Owner string

	// LeaseTTL bounds how long a taken graph is hidden from other owners.
	// An owner that dies mid-tick gives its graphs up after this long.
	LeaseTTL time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// writers take the database lock when the transaction begins
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Resource operations

// GetResource returns the resource with the given id, or nil if it doesn't exist.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, lock_owner, last_update_timestamp FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", id, err)
	}
	return r, nil
}

// GetResources returns the resources that exist among ids, keyed by id.
func (s *SQLiteStore) GetResources(ctx context.Context, ids []string) (map[string]*engine.Resource, error) {
	out := make(map[string]*engine.Resource, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT data, lock_owner, last_update_timestamp FROM resources WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// UpdateResource creates or replaces a resource. The lock column is left
// untouched and LastUpdateTimestamp is stamped on r.
func (s *SQLiteStore) UpdateResource(ctx context.Context, r *engine.Resource) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertResource(ctx, tx, r)
	})
}

// UpdateResources creates or replaces several resources in one transaction.
func (s *SQLiteStore) UpdateResources(ctx context.Context, resources []*engine.Resource) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range resources {
			if err := s.upsertResource(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) upsertResource(ctx context.Context, tx *sql.Tx, r *engine.Resource) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("resource id is required")
	}

	var prev int64
	err := tx.QueryRowContext(ctx, `SELECT last_update_timestamp FROM resources WHERE id = ?`, r.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read version of %s: %w", r.ID, err)
	}

	now := s.now()
	ts := now.UnixMilli()
	if ts <= prev {
		ts = prev + 1
	}

	doc := *r
	doc.LockOwner = ""
	doc.LastUpdateTimestamp = ts
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s: %w", r.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (id, type, data, deleted, last_update_timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			data = excluded.data,
			deleted = excluded.deleted,
			last_update_timestamp = excluded.last_update_timestamp,
			updated_at = excluded.updated_at
	`, r.ID, r.Type, string(data), r.Deleted, ts, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update resource %s: %w", r.ID, err)
	}

	r.LastUpdateTimestamp = ts
	return nil
}

// DeleteResource removes a resource.
func (s *SQLiteStore) DeleteResource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", id, err)
	}
	return nil
}

// SearchResourceIDPrefix returns resources whose id starts with prefix.
func (s *SQLiteStore) SearchResourceIDPrefix(ctx context.Context, prefix string) ([]engine.ResourceSearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type FROM resources WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT ?`,
		escapeLike(prefix)+"%", defaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search resources: %w", err)
	}
	defer rows.Close()

	var results []engine.ResourceSearchResult
	for rows.Next() {
		var hit engine.ResourceSearchResult
		if err := rows.Scan(&hit.ID, &hit.Type); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, hit)
	}
	return results, rows.Err()
}

// ListResources returns stored resources ordered by id.
func (s *SQLiteStore) ListResources(ctx context.Context, filter ResourceFilter) ([]*engine.Resource, error) {
	var where []string
	var args []interface{}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if filter.LockedOnly {
		where = append(where, "lock_owner IS NOT NULL")
	}

	query := `SELECT data, lock_owner, last_update_timestamp FROM resources`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*engine.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLastUpdateTimestamps returns the update version of each existing id.
func (s *SQLiteStore) GetLastUpdateTimestamps(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT id, last_update_timestamp FROM resources WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get update timestamps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan update timestamp: %w", err)
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// Lock operations

// LockResources reserves every id for owner. Ids that don't exist get a
// proposed-resource lock. A conflict on any id rolls back the whole batch.
func (s *SQLiteStore) LockResources(ctx context.Context, owner string, ids []string) error {
	if owner == "" {
		return fmt.Errorf("lock owner is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := lockOne(ctx, tx, owner, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func lockOne(ctx context.Context, tx *sql.Tx, owner, id string) error {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT lock_owner FROM resources WHERE id = ?`, id).Scan(&current)
	switch {
	case err == nil:
		if current.Valid && current.String != "" {
			return engine.NewLockConflictError(id, current.String)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE resources SET lock_owner = ? WHERE id = ?`, owner, id); err != nil {
			return fmt.Errorf("failed to lock resource %s: %w", id, err)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return lockProposed(ctx, tx, owner, id)
	default:
		return fmt.Errorf("failed to read lock of %s: %w", id, err)
	}
}

func lockProposed(ctx context.Context, tx *sql.Tx, owner, id string) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT owner FROM proposed_locks WHERE id = ?`, id).Scan(&current)
	if err == nil {
		return engine.NewLockConflictError(id, current)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read proposed lock of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proposed_locks (id, owner, created_at) VALUES (?, ?, ?)`,
		id, owner, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to lock proposed resource %s: %w", id, err)
	}
	return nil
}

// UnlockResource releases the lock on an existing or proposed resource.
func (s *SQLiteStore) UnlockResource(ctx context.Context, id string) error {
	return s.UnlockResources(ctx, []string{id})
}

// UnlockResources releases the locks on several resources.
func (s *SQLiteStore) UnlockResources(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		in := placeholders(len(ids))
		args := stringArgs(ids)
		if _, err := tx.ExecContext(ctx, `UPDATE resources SET lock_owner = NULL WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("failed to unlock resources: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proposed_locks WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("failed to release proposed locks: %w", err)
		}
		return nil
	})
}

// GetProposedResourceLockOwner returns the owner of the proposed-resource lock
// for id, or the empty string.
func (s *SQLiteStore) GetProposedResourceLockOwner(ctx context.Context, id string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM proposed_locks WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get proposed lock of %s: %w", id, err)
	}
	return owner, nil
}

// LockProposedResource reserves an id that doesn't exist yet.
func (s *SQLiteStore) LockProposedResource(ctx context.Context, owner, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return lockProposed(ctx, tx, owner, id)
	})
}

// UnlockProposedResource releases a proposed-resource lock.
func (s *SQLiteStore) UnlockProposedResource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM proposed_locks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to release proposed lock of %s: %w", id, err)
	}
	return nil
}

// Helper functions

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResource(row scanner) (*engine.Resource, error) {
	var data string
	var owner sql.NullString
	var ts int64
	if err := row.Scan(&data, &owner, &ts); err != nil {
		return nil, err
	}
	var r engine.Resource
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	r.LockOwner = owner.String
	r.LastUpdateTimestamp = ts
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
