package vfs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Opener builds the entry for a URL of one scheme.
type Opener func(ctx context.Context, u *url.URL) (Entry, error)

// Registry maps URL schemes to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// Register binds scheme to open. A later registration replaces an earlier one.
func (r *Registry) Register(scheme string, open Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = open
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.openers))
	for s := range r.openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Open resolves u to an entry. A bare path is treated as a file URL.
func (r *Registry) Open(ctx context.Context, u *url.URL) (Entry, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "file"
	}
	r.mu.RLock()
	open, ok := r.openers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, PathError("open", u.String(), fmt.Errorf("%w: scheme %q", ErrUnsupported, scheme))
	}
	return open(ctx, u)
}

// OpenString parses raw and opens it.
func (r *Registry) OpenString(ctx context.Context, raw string) (Entry, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return r.Open(ctx, u)
}

// ParseURL parses raw as a URL. Strings without a scheme are local paths.
func ParseURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		return &url.URL{Scheme: "file", Path: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return u, nil
}
