// Package memstore is an in-memory metadata.Store. It keeps the same
// invariants as the PostgreSQL store and is used by tests and dry runs.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/poolgate/internal/metadata"
)

// Store holds pools and file records in maps guarded by one mutex.
type Store struct {
	mu     sync.Mutex
	nextID int64
	pools  map[int64]*metadata.Pool
	files  map[string]*metadata.FileRecord

	// Fail, when set, is consulted before every file record write; a
	// non-nil result is returned instead of performing the write.
	Fail func(op string) error
}

var _ metadata.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		pools: make(map[int64]*metadata.Pool),
		files: make(map[string]*metadata.FileRecord),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func clonePool(p *metadata.Pool) *metadata.Pool {
	c := *p
	c.Config = append(json.RawMessage(nil), p.Config...)
	return &c
}

func (s *Store) ListPools(_ context.Context) ([]metadata.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]metadata.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, *clonePool(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPool(_ context.Context, id int64) (*metadata.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, nil
	}
	return clonePool(p), nil
}

func (s *Store) ActivePool(_ context.Context) (*metadata.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pools {
		if p.Active {
			return clonePool(p), nil
		}
	}
	return nil, nil
}

func (s *Store) InsertPool(_ context.Context, p *metadata.Pool) (*metadata.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pools {
		if existing.Name == p.Name {
			return nil, fmt.Errorf("insert pool %q: %w", p.Name, metadata.ErrDuplicate)
		}
	}
	s.nextID++
	now := time.Now()
	stored := clonePool(p)
	stored.ID = s.nextID
	stored.Active = false
	stored.CreatedAt, stored.UpdatedAt = now, now
	if len(stored.Config) == 0 {
		stored.Config = json.RawMessage(`{}`)
	}
	s.pools[stored.ID] = stored
	return clonePool(stored), nil
}

func (s *Store) UpdatePoolConfig(_ context.Context, id int64, config json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	}
	p.Config = append(json.RawMessage(nil), config...)
	p.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetActive(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	}
	now := time.Now()
	for _, p := range s.pools {
		if p.Active && p.ID != id {
			p.Active = false
			p.UpdatedAt = now
		}
	}
	if !target.Active {
		target.Active = true
		target.UpdatedAt = now
	}
	return nil
}

func (s *Store) ClearActive(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	}
	if p.Active {
		p.Active = false
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) DeletePool(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, metadata.ErrNotFound)
	}
	if p.Active {
		return fmt.Errorf("delete pool %d: %w", id, metadata.ErrPoolActive)
	}
	delete(s.pools, id)
	for fid, f := range s.files {
		if f.PoolID == id {
			delete(s.files, fid)
		}
	}
	return nil
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *Store) GetFile(_ context.Context, id string) (*metadata.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (s *Store) FindFile(_ context.Context, poolID int64, storedPath string) (*metadata.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		if f.PoolID == poolID && f.StoredPath == storedPath {
			c := *f
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) pathTaken(poolID int64, storedPath, exceptID string) bool {
	for _, f := range s.files {
		if f.ID != exceptID && f.PoolID == poolID && f.StoredPath == storedPath {
			return true
		}
	}
	return false
}

func (s *Store) InsertFile(_ context.Context, f *metadata.FileRecord) (*metadata.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("insert"); err != nil {
		return nil, err
	}
	if _, ok := s.pools[f.PoolID]; !ok {
		return nil, fmt.Errorf("insert file: pool %d: %w", f.PoolID, metadata.ErrNotFound)
	}
	if s.pathTaken(f.PoolID, f.StoredPath, "") {
		return nil, fmt.Errorf("insert file %s: %w", f.StoredPath, metadata.ErrDuplicate)
	}

	c := *f
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.files[c.ID] = &c
	out := c
	return &out, nil
}

func (s *Store) UpdateFile(_ context.Context, f *metadata.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("update"); err != nil {
		return err
	}
	existing, ok := s.files[f.ID]
	if !ok {
		return fmt.Errorf("file %s: %w", f.ID, metadata.ErrNotFound)
	}
	if s.pathTaken(f.PoolID, f.StoredPath, f.ID) {
		return fmt.Errorf("update file %s: %w", f.ID, metadata.ErrDuplicate)
	}
	c := *f
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	s.files[f.ID] = &c
	return nil
}

func (s *Store) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("delete"); err != nil {
		return err
	}
	delete(s.files, id)
	return nil
}

func (s *Store) QueryFiles(_ context.Context, filter metadata.FileFilter) ([]metadata.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.Trim(filter.PathPrefix, "/")
	needle := strings.ToLower(filter.NameContains)

	var out []metadata.FileRecord
	for _, f := range s.files {
		if filter.PoolID != 0 && f.PoolID != filter.PoolID {
			continue
		}
		if prefix != "" && f.StoredPath != prefix && !strings.HasPrefix(f.StoredPath, prefix+"/") {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(f.Name), needle) {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolID != out[j].PoolID {
			return out[i].PoolID < out[j].PoolID
		}
		return out[i].StoredPath < out[j].StoredPath
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
