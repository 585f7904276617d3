package adapter

import (
	"context"
	"sync"
)

// Backend abstracts the shared key-value store holding lock records.
//
// Every operation must be atomic with respect to all clients of the store.
// Errors are returned as is; implementations never retry.
type Backend interface {
	// SetIfAbsent creates key with value only if key does not exist.
	// The boolean return reports whether the key was created.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// Get retrieves the value stored at key.
	// The boolean return indicates whether the key was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Exchange unconditionally stores value at key and returns the value
	// it replaced. The boolean return is false when no prior value existed.
	Exchange(ctx context.Context, key, value string) (string, bool, error)
	// Delete removes key and reports whether it existed. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// InMemoryBackend is a Backend backed by a map. It only coordinates callers
// sharing the same instance, which makes it suitable for a single process
// and for tests.
type InMemoryBackend struct {
	mu    sync.Mutex
	items map[string]string
}

// NewInMemoryBackend returns a new InMemoryBackend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{items: make(map[string]string)}
}

// SetIfAbsent implements Backend.SetIfAbsent.
func (b *InMemoryBackend) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; ok {
		return false, nil
	}
	b.items[key] = value
	return true, nil
}

// Get implements Backend.Get.
func (b *InMemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.mu.Lock()
	v, ok := b.items[key]
	b.mu.Unlock()
	return v, ok, nil
}

// Exchange implements Backend.Exchange.
func (b *InMemoryBackend) Exchange(ctx context.Context, key, value string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.mu.Lock()
	prev, ok := b.items[key]
	b.items[key] = value
	b.mu.Unlock()
	return prev, ok, nil
}

// Delete implements Backend.Delete.
func (b *InMemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	_, ok := b.items[key]
	delete(b.items, key)
	b.mu.Unlock()
	return ok, nil
}

// Exists implements Backend.Exists.
func (b *InMemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	_, ok := b.items[key]
	b.mu.Unlock()
	return ok, nil
}
