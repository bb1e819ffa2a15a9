package klayquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// PersistStore keeps persisted values outside the process. Get returns
// ErrPersistMiss for unknown keys.
type PersistStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Persister stores values in the query cache under keys that never go stale
// and are never collected. With a PersistStore configured, values are also
// written there as JSON and read back when the cache does not hold them.
type Persister struct {
	qc     *QueryClient
	store  PersistStore
	logger Logger
}

// UsePersist creates a persister over the configured cache and store.
func (h *Hooks) UsePersist() *Persister {
	env := h.env()
	return &Persister{qc: env.queryClient, store: env.persistStore, logger: env.client.logger}
}

// Get returns the value persisted under name.
func (p *Persister) Get(ctx context.Context, name Key) (any, error) {
	key := Name(name...)
	if data, ok := p.qc.GetQueryData(key); ok {
		return data, nil
	}
	if p.store == nil {
		return nil, ErrPersistMiss
	}

	raw, err := p.store.Get(ctx, key.Hash())
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, &ClientError{Type: ErrorTypeDecode, Message: "failed to decode persisted value", Cause: err}
	}
	p.write(key, value)
	return value, nil
}

// Set persists value under name.
func (p *Persister) Set(ctx context.Context, name Key, value any) error {
	key := Name(name...)
	if p.store != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("klayquery: encode persisted value: %w", err)
		}
		if err := p.store.Set(ctx, key.Hash(), raw); err != nil {
			return err
		}
	}
	p.write(key, value)
	return nil
}

// Remove forgets the value persisted under name.
func (p *Persister) Remove(ctx context.Context, name Key) error {
	key := Name(name...)
	p.qc.RemoveQuery(key)
	if p.store == nil {
		return nil
	}
	if err := p.store.Delete(ctx, key.Hash()); err != nil && !errors.Is(err, ErrPersistMiss) {
		return err
	}
	return nil
}

func (p *Persister) write(key Key, value any) {
	p.qc.updateQueryData(key, Forever, Forever, true, func(any) any { return value })
	if p.logger != nil {
		p.logger.Debug("Value persisted", "key", key.String())
	}
}

// MemoryPersistStore is an in-process PersistStore.
type MemoryPersistStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryPersistStore returns an empty store.
func NewMemoryPersistStore() *MemoryPersistStore {
	return &MemoryPersistStore{values: make(map[string][]byte)}
}

// Get implements PersistStore.
func (s *MemoryPersistStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrPersistMiss
	}
	return append([]byte(nil), v...), nil
}

// Set implements PersistStore.
func (s *MemoryPersistStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements PersistStore.
func (s *MemoryPersistStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
