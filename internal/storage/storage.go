// Package storage provides the key/value persistence capability used to keep
// conversations across restarts.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnavailable is returned by every operation on a store whose
	// availability probe failed.
	ErrUnavailable = errors.New("storage: unavailable")
)

const probeKey = "__storage_test__"

// Store is a small string key/value capability. Implementations are created
// once at startup and passed to their consumers.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Available() bool
}

// backend is what a concrete store implements; guarded adds the availability
// check on top of it.
type backend interface {
	get(ctx context.Context, key string) (string, error)
	set(ctx context.Context, key, value string) error
	remove(ctx context.Context, key string) error
}

type guarded struct {
	backend   backend
	available bool
}

// probe writes and removes a test key once and remembers the outcome.
func probe(ctx context.Context, b backend) *guarded {
	g := &guarded{backend: b}
	if err := b.set(ctx, probeKey, "test"); err != nil {
		return g
	}
	if err := b.remove(ctx, probeKey); err != nil {
		return g
	}
	g.available = true
	return g
}

func (g *guarded) Available() bool {
	return g.available
}

func (g *guarded) Get(ctx context.Context, key string) (string, error) {
	if !g.available {
		return "", ErrUnavailable
	}
	return g.backend.get(ctx, key)
}

func (g *guarded) Set(ctx context.Context, key, value string) error {
	if !g.available {
		return ErrUnavailable
	}
	return g.backend.set(ctx, key, value)
}

func (g *guarded) Remove(ctx context.Context, key string) error {
	if !g.available {
		return ErrUnavailable
	}
	return g.backend.remove(ctx, key)
}
