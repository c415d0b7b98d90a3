// Package trigger implements the registry of named pre/post write
// hooks. Buckets store ordered lists of trigger names; the callables
// themselves are registered in-process at startup.
package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/misterdjules/moray/internal/apperr"
)

// Cookie is the state handed to a trigger invocation.
type Cookie struct {
	Bucket  string
	ID      int64
	Key     string
	Log     *slog.Logger
	Tx      pgx.Tx
	Schema  map[string]string // field name -> type name
	Value   map[string]any
	Headers map[string]string
	Update  bool
}

// Func is a registered trigger. Triggers run inside the request's
// transaction; an error aborts the pipeline and rolls it back.
type Func func(ctx context.Context, c *Cookie) error

// Registry maps trigger names to functions.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Func)}
}

// Register installs fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = fn
}

// Lookup resolves an ordered list of trigger names. An unregistered
// name fails with NotFunction.
func (r *Registry) Lookup(names []string) ([]Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Func, 0, len(names))
	for _, name := range names {
		fn, ok := r.m[name]
		if !ok {
			return nil, apperr.New(apperr.NotFunction, "trigger %q is not registered", name)
		}
		out = append(out, fn)
	}
	return out, nil
}
