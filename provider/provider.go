package provider

import (
	"context"
	"sort"
	"time"

	"ghosttab/logger"
	"ghosttab/types"

	"github.com/cockroachdb/errors"
)

// ErrSkipCompletion is returned by a provider that decided no request should
// be made for this keystroke. The coordinator treats it as an empty result.
var ErrSkipCompletion = errors.New("skip completion")

// Provider produces suggestions and is told what happened to them
type Provider interface {
	Kind() types.Kind
	GetNextEdit(ctx context.Context, req *types.CompletionRequest) (*types.Suggestion, error)
	HandleShown(s *types.Suggestion)
	HandleIgnored(loser, winner *types.Suggestion)
	HandleAcceptance(s *types.Suggestion)
	HandleRejection(s *types.Suggestion)
}

// APIKeyUpdater is implemented by providers whose credentials can change at runtime
type APIKeyUpdater interface {
	UpdateAPIKey(key string)
}

// DelayedRunner is implemented by providers that apply their own start delay
type DelayedRunner interface {
	RunUntilNextEdit(ctx context.Context, req *types.CompletionRequest, delay time.Duration) (*types.Suggestion, error)
}

// DocumentCloser is implemented by providers holding per-document state
type DocumentCloser interface {
	CloseDocument(uri string)
}

type entry struct {
	provider Provider
	updater  APIKeyUpdater
	runner   DelayedRunner
	closer   DocumentCloser
}

// Registry maps each kind to its provider and resolved capabilities
type Registry struct {
	entries map[types.Kind]entry
}

// NewRegistry resolves the capabilities of each provider once.
// Two providers of the same kind is an error.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{entries: make(map[types.Kind]entry, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		kind := p.Kind()
		if _, dup := r.entries[kind]; dup {
			return nil, errors.AssertionFailedf("provider kind %s registered twice", kind)
		}
		e := entry{provider: p}
		if u, ok := p.(APIKeyUpdater); ok {
			e.updater = u
		}
		if d, ok := p.(DelayedRunner); ok {
			e.runner = d
		}
		if c, ok := p.(DocumentCloser); ok {
			e.closer = c
		}
		r.entries[kind] = e
	}
	return r, nil
}

// Get returns the provider for kind
func (r *Registry) Get(kind types.Kind) (Provider, bool) {
	e, ok := r.entries[kind]
	return e.provider, ok
}

// Runner returns the delayed entry point for kind, if the provider has one
func (r *Registry) Runner(kind types.Kind) (DelayedRunner, bool) {
	e, ok := r.entries[kind]
	if !ok || e.runner == nil {
		return nil, false
	}
	return e.runner, true
}

// UpdateAPIKey forwards key to every provider that accepts one and
// returns how many did
func (r *Registry) UpdateAPIKey(key string) int {
	n := 0
	for kind, e := range r.entries {
		if e.updater == nil {
			continue
		}
		e.updater.UpdateAPIKey(key)
		logger.Info("updated api key for %s provider", kind)
		n++
	}
	return n
}

// CloseDocument tells every provider that tracks documents that uri closed
func (r *Registry) CloseDocument(uri string) {
	for _, e := range r.entries {
		if e.closer != nil {
			e.closer.CloseDocument(uri)
		}
	}
}

// Kinds returns the registered kinds in ascending order
func (r *Registry) Kinds() []types.Kind {
	kinds := make([]types.Kind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
