// Package storage provides the string key/value persistence primitive the
// queue and cache write their serialized collections to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: closed")

// KV is an async-safe string key/value store. GetItem reports a missing key
// with ok=false and a nil error.
type KV interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Options selects and locates a backend.
type Options struct {
	Backend string // "file", "sqlite" or "memory"
	Path    string
}

// Open returns the backend named by opts.Backend.
func Open(opts Options) (KV, error) {
	switch opts.Backend {
	case "", "file":
		f, err := NewFile(opts.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "sqlite":
		path := opts.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "offline.db")
		}
		s, err := NewSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}
