// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Store is a PostgreSQL metadata store.
type Store struct {
	db  *sql.DB
	url string
}

var _ metadata.Store = (*Store)(nil)

// New opens and pings a PostgreSQL metadata store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, url: databaseURL}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations. It opens its own
// connection so closing the migrator leaves the store usable.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, s.url)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logging.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(query, time.Since(start)) }
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type scanner interface {
	Scan(dest ...any) error
}

const poolColumns = `id, name, kind, config, active, created_at, updated_at`

func scanPool(row scanner) (*metadata.Pool, error) {
	var p metadata.Pool
	var cfg []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &cfg, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Config = json.RawMessage(cfg)
	return &p, nil
}

// ListPools returns every pool ordered by id.
func (s *Store) ListPools(ctx context.Context) ([]metadata.Pool, error) {
	defer observe("list_pools")()

	rows, err := s.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM storage_pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []metadata.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

// GetPool returns a pool by id, or nil if it does not exist.
func (s *Store) GetPool(ctx context.Context, id int64) (*metadata.Pool, error) {
	defer observe("get_pool")()

	p, err := scanPool(s.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM storage_pools WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %d: %w", id, err)
	}
	return p, nil
}

// ActivePool returns the active pool, or nil if none is active.
func (s *Store) ActivePool(ctx context.Context) (*metadata.Pool, error) {
	defer observe("active_pool")()

	p, err := scanPool(s.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM storage_pools WHERE active LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active pool: %w", err)
	}
	return p, nil
}

// InsertPool creates an inactive pool and returns it with generated fields.
func (s *Store) InsertPool(ctx context.Context, p *metadata.Pool) (*metadata.Pool, error) {
	defer observe("insert_pool")()

	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	out := *p
	out.Config = cfg
	out.Active = false
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO storage_pools (name, kind, config)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		p.Name, p.Kind, string(cfg)).
		Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert pool %q: %w", p.Name, metadata.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert pool %q: %w", p.Name, err)
	}
	return &out, nil
}

// UpdatePoolConfig replaces a pool's config.
func (s *Store) UpdatePoolConfig(ctx context.Context, id int64, config json.RawMessage) error {
	defer observe("update_pool_config")()

	res, err := s.db.ExecContext(ctx,
		`UPDATE storage_pools SET config = $2, updated_at = NOW() WHERE id = $1`,
		id, string(config))
	if err != nil {
		return fmt.Errorf("update pool %d config: %w", id, err)
	}
	return expectRow(res, "pool", id)
}

func expectRow(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", what, id, metadata.ErrNotFound)
	}
	return nil
}

// SetActive makes id the single active pool. The table lock serializes
// concurrent activations across processes; the partial unique index
// rejects anything that slips past it.
func (s *Store) SetActive(ctx context.Context, id int64) error {
	defer observe("set_active")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE storage_pools IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("lock pools: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM storage_pools WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check pool %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE storage_pools SET active = FALSE, updated_at = NOW() WHERE active AND id <> $1`, id); err != nil {
		return fmt.Errorf("clear active: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE storage_pools SET active = TRUE, updated_at = NOW() WHERE id = $1 AND NOT active`, id); err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	return tx.Commit()
}

// ClearActive deactivates a pool. Inactive pools are left untouched.
func (s *Store) ClearActive(ctx context.Context, id int64) error {
	defer observe("clear_active")()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`WITH upd AS (
		   UPDATE storage_pools SET active = FALSE, updated_at = NOW()
		   WHERE id = $1 AND active RETURNING id
		 )
		 SELECT EXISTS (SELECT 1 FROM storage_pools WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("clear active %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	}
	return nil
}

// DeletePool removes an inactive pool and, by cascade, its file records.
func (s *Store) DeletePool(ctx context.Context, id int64) error {
	defer observe("delete_pool")()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM storage_pools WHERE id = $1 AND NOT active`, id)
	if err != nil {
		return fmt.Errorf("delete pool %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var active bool
	err = s.db.QueryRowContext(ctx, `SELECT active FROM storage_pools WHERE id = $1`, id).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	case err != nil:
		return fmt.Errorf("check pool %d: %w", id, err)
	case active:
		return fmt.Errorf("delete pool %d: %w", id, metadata.ErrPoolActive)
	}
	// Deactivated and deleted by someone else in between
	return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
}

const fileColumns = `id, name, stored_path, size_bytes, mime_type, pool_id, created_at, updated_at`

func scanFile(row scanner) (*metadata.FileRecord, error) {
	var f metadata.FileRecord
	if err := row.Scan(&f.ID, &f.Name, &f.StoredPath, &f.SizeBytes, &f.MimeType,
		&f.PoolID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFile returns a file record by id, or nil if it does not exist.
func (s *Store) GetFile(ctx context.Context, id string) (*metadata.FileRecord, error) {
	defer observe("get_file")()

	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return f, nil
}

// FindFile returns the record stored at (poolID, storedPath), or nil.
func (s *Store) FindFile(ctx context.Context, poolID int64, storedPath string) (*metadata.FileRecord, error) {
	defer observe("find_file")()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE pool_id = $1 AND stored_path = $2`,
		poolID, storedPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find file %d:%s: %w", poolID, storedPath, err)
	}
	return f, nil
}

// InsertFile creates a file record. An empty ID is generated.
func (s *Store) InsertFile(ctx context.Context, f *metadata.FileRecord) (*metadata.FileRecord, error) {
	defer observe("insert_file")()

	out := *f
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO file_records (id, name, stored_path, size_bytes, mime_type, pool_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		out.ID, out.Name, out.StoredPath, out.SizeBytes, out.MimeType, out.PoolID).
		Scan(&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert file %s: %w", out.StoredPath, metadata.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert file %s: %w", out.StoredPath, err)
	}
	return &out, nil
}

// UpdateFile rewrites every mutable column of a file record.
func (s *Store) UpdateFile(ctx context.Context, f *metadata.FileRecord) error {
	defer observe("update_file")()

	res, err := s.db.ExecContext(ctx,
		`UPDATE file_records
		 SET name = $2, stored_path = $3, size_bytes = $4, mime_type = $5, pool_id = $6, updated_at = NOW()
		 WHERE id = $1`,
		f.ID, f.Name, f.StoredPath, f.SizeBytes, f.MimeType, f.PoolID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update file %s: %w", f.ID, metadata.ErrDuplicate)
		}
		return fmt.Errorf("update file %s: %w", f.ID, err)
	}
	return expectRow(res, "file", f.ID)
}

// DeleteFile removes a file record. Deleting a missing record is not an error.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	defer observe("delete_file")()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

// escapeLike escapes LIKE wildcards using backslash.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// QueryFiles returns records matching filter ordered by pool and path.
func (s *Store) QueryFiles(ctx context.Context, filter metadata.FileFilter) ([]metadata.FileRecord, error) {
	defer observe("query_files")()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.PoolID != 0 {
		where = append(where, "pool_id = "+arg(filter.PoolID))
	}
	if prefix := strings.Trim(filter.PathPrefix, "/"); prefix != "" {
		where = append(where, fmt.Sprintf(`(stored_path = %s OR stored_path LIKE %s ESCAPE '\')`,
			arg(prefix), arg(escapeLike(prefix)+"/%")))
	}
	if filter.NameContains != "" {
		where = append(where, fmt.Sprintf(`name ILIKE %s ESCAPE '\'`,
			arg("%"+escapeLike(filter.NameContains)+"%")))
	}

	query := `SELECT ` + fileColumns + ` FROM file_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY pool_id, stored_path"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []metadata.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	logging.Debug("queried file records", zap.Int("count", len(files)))
	return files, nil
}
