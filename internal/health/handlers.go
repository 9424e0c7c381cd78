// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"

	"github.com/noah-isme/backend-rental/internal/common"
)

var ready = atomic.NewBool(true)

// SetReady flips the process readiness. The API clears it when shutdown
// starts so load balancers drain traffic before connections close.
func SetReady(v bool) { ready.Store(v) }

// Pinger is a dependency that can be probed. store.Postgres and store.Cache
// implement it.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	DB           Pinger
	Redis        Pinger
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Routes mounts /live and /ready on r.
func (h Handler) Routes(r chi.Router) {
	r.Get("/live", h.Live)
	r.Get("/ready", h.Ready)
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if h.DB == nil || h.Redis == nil {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dependencies unavailable"})
		return
	}
	ctx := r.Context()
	status := map[string]string{
		"db":    probe(ctx, h.DB, h.dbTimeout()),
		"redis": probe(ctx, h.Redis, h.redisTimeout()),
	}
	code := http.StatusOK
	if status["db"] != "ok" || status["redis"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func probe(ctx context.Context, p Pinger, timeout time.Duration) string {
	if err := p.Ping(ctx, timeout); err != nil {
		return err.Error()
	}
	return "ok"
}

func (h Handler) dbTimeout() time.Duration {
	if h.DBTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.DBTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
