// Package metadata defines the persistent records behind storage pools and
// the files uploaded into them, and the store interfaces that hold them.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrPoolActive is returned by DeletePool when the pool is the active one.
	ErrPoolActive = errors.New("pool is active")

	// ErrNotFound is returned when a pool or file record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique constraint (pool name,
	// pool + stored path) would be violated.
	ErrDuplicate = errors.New("duplicate record")
)

// Pool maps to the storage_pools table.
type Pool struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FileRecord maps to the file_records table. StoredPath is pool-relative
// without a leading slash.
type FileRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StoredPath string    `json:"stored_path"`
	SizeBytes  int64     `json:"size_bytes"`
	MimeType   string    `json:"mime_type"`
	PoolID     int64     `json:"pool_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileFilter narrows QueryFiles. Zero fields do not filter.
type FileFilter struct {
	PoolID       int64
	PathPrefix   string // matches StoredPath == prefix or beneath prefix/
	NameContains string // case-insensitive
	Limit        int
}

// PoolStore persists pool definitions and the single active flag.
type PoolStore interface {
	ListPools(ctx context.Context) ([]Pool, error)
	// GetPool returns nil, nil when the pool does not exist.
	GetPool(ctx context.Context, id int64) (*Pool, error)
	InsertPool(ctx context.Context, p *Pool) (*Pool, error)
	UpdatePoolConfig(ctx context.Context, id int64, config json.RawMessage) error
	// SetActive makes id the only active pool in a single transaction.
	SetActive(ctx context.Context, id int64) error
	// ClearActive deactivates id; a no-op when it is not active.
	ClearActive(ctx context.Context, id int64) error
	// DeletePool fails with ErrPoolActive for the active pool and removes
	// the pool's file records with it.
	DeletePool(ctx context.Context, id int64) error
	// ActivePool returns nil, nil when no pool is active.
	ActivePool(ctx context.Context) (*Pool, error)
}

// FileStore persists file records.
type FileStore interface {
	GetFile(ctx context.Context, id string) (*FileRecord, error)
	// FindFile returns nil, nil when no record matches.
	FindFile(ctx context.Context, poolID int64, storedPath string) (*FileRecord, error)
	InsertFile(ctx context.Context, f *FileRecord) (*FileRecord, error)
	UpdateFile(ctx context.Context, f *FileRecord) error
	DeleteFile(ctx context.Context, id string) error
	QueryFiles(ctx context.Context, filter FileFilter) ([]FileRecord, error)
}

// Store is the full metadata backend.
type Store interface {
	PoolStore
	FileStore
	Close() error
}
