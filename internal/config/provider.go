// Package config – Provider
//
// Provider wraps an immutable Config snapshot behind an atomic pointer so the
// running process can hot-reload settings without any component observing a
// half-updated value. Components keep a *Provider and call Current() at each
// operation; Reload() swaps in a freshly loaded snapshot in one step.
package config

import (
	"sync/atomic"
	"time"
)

// Provider owns the current configuration snapshot.
//
// It is safe for concurrent use. Readers never block writers and vice versa.
type Provider struct {
	cur      atomic.Pointer[Config]
	version  atomic.Int64
	loadedAt atomic.Pointer[time.Time]
}

// NewProvider constructs a Provider seeded with the given snapshot.
func NewProvider(cfg Config) *Provider {
	p := &Provider{}
	p.swap(cfg)
	return p
}

// Current returns the active configuration snapshot. The returned pointer
// must be treated as read-only.
func (p *Provider) Current() *Config { return p.cur.Load() }

// Version returns a monotonically increasing snapshot counter, starting at 1.
func (p *Provider) Version() int64 { return p.version.Load() }

// LoadedAt returns the wall-clock time of the last (re)load.
func (p *Provider) LoadedAt() time.Time {
	if t := p.loadedAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Reload re-reads the environment and atomically swaps the snapshot.
// On validation failure the previous snapshot stays active.
func (p *Provider) Reload() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	p.swap(cfg)
	return p.Current(), nil
}

func (p *Provider) swap(cfg Config) {
	now := time.Now().UTC()
	p.cur.Store(&cfg)
	p.version.Add(1)
	p.loadedAt.Store(&now)
}
