package resilience

import (
	"context"
	"time"
)

// JSONCache is the subset of store.Cache guarded by a breaker.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// GuardedCache short-circuits cache calls while Redis keeps failing. An open
// breaker turns reads into misses and writes into no-ops so callers go
// straight to the database.
type GuardedCache struct {
	Cache   JSONCache
	Breaker *Breaker
}

// GetJSON reads key through the breaker.
func (g GuardedCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if g.Cache == nil {
		return false, nil
	}
	if g.Breaker == nil {
		return g.Cache.GetJSON(ctx, key, dest)
	}
	if !g.Breaker.Allow(ctx) {
		return false, nil
	}
	ok, err := g.Cache.GetJSON(ctx, key, dest)
	g.Breaker.Report(ctx, err == nil)
	return ok, err
}

// SetJSON writes key through the breaker.
func (g GuardedCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if g.Cache == nil {
		return nil
	}
	if g.Breaker == nil {
		return g.Cache.SetJSON(ctx, key, value, ttl)
	}
	if !g.Breaker.Allow(ctx) {
		return nil
	}
	err := g.Cache.SetJSON(ctx, key, value, ttl)
	g.Breaker.Report(ctx, err == nil)
	return err
}
