package klayquery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// DefaultMemcachePrefix namespaces persisted values in memcache.
const DefaultMemcachePrefix = "klayquery:"

// MemcachePersistStore is a PersistStore backed by memcached. Keys are
// hashed so arbitrary cache keys fit memcache's key rules.
type MemcachePersistStore struct {
	mc         *memcache.Client
	prefix     string
	expiration int32
}

// MemcacheOption configures a MemcachePersistStore.
type MemcacheOption func(*MemcachePersistStore)

// WithMemcachePrefix sets the key prefix
func WithMemcachePrefix(prefix string) MemcacheOption {
	return func(s *MemcachePersistStore) {
		s.prefix = prefix
	}
}

// WithMemcacheTTL sets the item expiration; zero keeps items until evicted.
func WithMemcacheTTL(ttl time.Duration) MemcacheOption {
	return func(s *MemcachePersistStore) {
		s.expiration = int32(ttl / time.Second)
	}
}

// WithMemcacheTimeout sets the socket read/write timeout
func WithMemcacheTimeout(d time.Duration) MemcacheOption {
	return func(s *MemcachePersistStore) {
		s.mc.Timeout = d
	}
}

// NewMemcachePersistStore connects to the given memcached servers
// ("host:port").
func NewMemcachePersistStore(servers []string, options ...MemcacheOption) *MemcachePersistStore {
	s := &MemcachePersistStore{
		mc:     memcache.New(servers...),
		prefix: DefaultMemcachePrefix,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *MemcachePersistStore) itemKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Get implements PersistStore.
func (s *MemcachePersistStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := s.mc.Get(s.itemKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrPersistMiss
	}
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeNetwork, Message: "memcache get failed", Cause: err}
	}
	return item.Value, nil
}

// Set implements PersistStore.
func (s *MemcachePersistStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.mc.Set(&memcache.Item{
		Key:        s.itemKey(key),
		Value:      value,
		Expiration: s.expiration,
	})
	if err != nil {
		return &ClientError{Type: ErrorTypeNetwork, Message: "memcache set failed", Cause: err}
	}
	return nil
}

// Delete implements PersistStore.
func (s *MemcachePersistStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.mc.Delete(s.itemKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return &ClientError{Type: ErrorTypeNetwork, Message: "memcache delete failed", Cause: err}
	}
	return nil
}

// Ping checks that every server is reachable.
func (s *MemcachePersistStore) Ping() error {
	return s.mc.Ping()
}
