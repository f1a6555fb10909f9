package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

var (
	// ErrPoolNotFound is returned for unknown pool ids. It wraps storage.ErrNotFound.
	ErrPoolNotFound = fmt.Errorf("pool %w", storage.ErrNotFound)

	// ErrPoolInUse is returned when deleting the active pool.
	ErrPoolInUse = errors.New("pool is in use")

	// ErrNoActivePool is returned when the active pool is requested and none is set.
	ErrNoActivePool = errors.New("no active pool")
)

// Manager is the pool activation state machine. Every pool is either
// Inactive or Active and at most one is Active. All mutations are
// serialized on one mutex; the store enforces the invariant again
// across processes.
type Manager struct {
	mu       sync.Mutex
	store    metadata.PoolStore
	factory  *Factory
	registry *Registry
}

// NewManager creates a Manager.
func NewManager(store metadata.PoolStore, factory *Factory, registry *Registry) *Manager {
	return &Manager{store: store, factory: factory, registry: registry}
}

// Registry returns the driver registry the manager invalidates.
func (m *Manager) Registry() *Registry { return m.registry }

func mapStoreErr(id int64, err error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return fmt.Errorf("pool %d: %w", id, ErrPoolNotFound)
	case errors.Is(err, metadata.ErrPoolActive):
		return fmt.Errorf("pool %d: %w", id, ErrPoolInUse)
	}
	return err
}

func (m *Manager) syncActiveGauge(ctx context.Context) {
	p, err := m.store.ActivePool(ctx)
	if err != nil {
		logging.WithContext(ctx).Warn("refresh active pool gauge", zap.Error(err))
		return
	}
	if p == nil {
		metrics.SetActivePool(0)
		return
	}
	metrics.SetActivePool(p.ID)
}

// List returns every pool ordered by id.
func (m *Manager) List(ctx context.Context) ([]metadata.Pool, error) {
	return m.store.ListPools(ctx)
}

// Get returns a pool or ErrPoolNotFound.
func (m *Manager) Get(ctx context.Context, id int64) (*metadata.Pool, error) {
	p, err := m.store.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pool %d: %w", id, ErrPoolNotFound)
	}
	return p, nil
}

// Active returns the active pool or ErrNoActivePool.
func (m *Manager) Active(ctx context.Context) (*metadata.Pool, error) {
	p, err := m.store.ActivePool(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNoActivePool
	}
	return p, nil
}

// Create validates and inserts a pool, optionally activating it.
func (m *Manager) Create(ctx context.Context, name, kind string, config json.RawMessage, activate bool) (*metadata.Pool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: pool name is required", storage.ErrInvalidConfig)
	}
	k, err := storage.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if err := m.factory.Validate(string(k), config); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.InsertPool(ctx, &metadata.Pool{Name: name, Kind: string(k), Config: config})
	if err != nil {
		return nil, err
	}
	logging.Info("pool created", logging.PoolID(p.ID), zap.String("name", p.Name), zap.String("kind", p.Kind))

	if activate {
		if err := m.store.SetActive(ctx, p.ID); err != nil {
			return p, mapStoreErr(p.ID, err)
		}
		p.Active = true
		metrics.SetActivePool(p.ID)
		logging.Info("pool activated", logging.PoolID(p.ID))
	}
	return p, nil
}

// Activate makes id the only active pool.
func (m *Manager) Activate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetActive(ctx, id); err != nil {
		return mapStoreErr(id, err)
	}
	metrics.SetActivePool(id)
	logging.Info("pool activated", logging.PoolID(id))
	return nil
}

// Deactivate clears the active flag of id. Inactive pools are a no-op.
func (m *Manager) Deactivate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ClearActive(ctx, id); err != nil {
		return mapStoreErr(id, err)
	}
	m.syncActiveGauge(ctx)
	logging.Info("pool deactivated", logging.PoolID(id))
	return nil
}

// Delete removes an inactive pool and drops its cached driver. The active
// pool is refused with ErrPoolInUse and left unchanged.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.GetPool(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pool %d: %w", id, ErrPoolNotFound)
	}
	if p.Active {
		return fmt.Errorf("delete pool %d: %w", id, ErrPoolInUse)
	}
	if err := m.store.DeletePool(ctx, id); err != nil {
		return mapStoreErr(id, err)
	}
	m.registry.Invalidate(id)
	logging.Info("pool deleted", logging.PoolID(id), zap.String("name", p.Name))
	return nil
}

// UpdateConfig validates and stores a new config for id, then drops the
// cached driver so the next use rebuilds it.
func (m *Manager) UpdateConfig(ctx context.Context, id int64, config json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.GetPool(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pool %d: %w", id, ErrPoolNotFound)
	}
	if err := m.factory.Validate(p.Kind, config); err != nil {
		return err
	}
	if err := m.store.UpdatePoolConfig(ctx, id, config); err != nil {
		return mapStoreErr(id, err)
	}
	m.registry.Invalidate(id)
	logging.Info("pool config updated", logging.PoolID(id))
	return nil
}

// Driver resolves the pool and its driver. id 0 selects the active pool.
func (m *Manager) Driver(ctx context.Context, id int64) (*metadata.Pool, storage.Driver, error) {
	var (
		p   *metadata.Pool
		err error
	)
	if id == 0 {
		p, err = m.Active(ctx)
	} else {
		p, err = m.Get(ctx, id)
	}
	if err != nil {
		return nil, nil, err
	}
	d, err := m.registry.Resolve(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return p, d, nil
}
