package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediocregopher/radix/v3"
)

// Backend is the persistent key-value store behind the accessor
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type memoryBackend struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryBackend returns a process-local backend
func NewMemoryBackend() Backend {
	return &memoryBackend{data: make(map[string]string)}
}

func (m *memoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryBackend) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type redisBackend struct {
	client radix.Client
	prefix string
}

// NewRedisBackend stores keys in Redis under the given prefix
func NewRedisBackend(client radix.Client, prefix string) Backend {
	return &redisBackend{client: client, prefix: prefix}
}

// NewRedisPool dials a radix connection pool
func NewRedisPool(addr string, size int) (radix.Client, error) {
	pool, err := radix.NewPool("tcp", addr, size)
	if err != nil {
		return nil, fmt.Errorf("failed to connect redis %s: %w", addr, err)
	}
	return pool, nil
}

func (r *redisBackend) Get(_ context.Context, key string) (string, bool, error) {
	var val string
	mn := radix.MaybeNil{Rcv: &val}
	if err := r.client.Do(radix.Cmd(&mn, "GET", r.prefix+key)); err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	if mn.Nil {
		return "", false, nil
	}
	return val, true, nil
}

func (r *redisBackend) Set(_ context.Context, key, value string) error {
	if err := r.client.Do(radix.Cmd(nil, "SET", r.prefix+key, value)); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (r *redisBackend) Delete(_ context.Context, key string) error {
	if err := r.client.Do(radix.Cmd(nil, "DEL", r.prefix+key)); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}
