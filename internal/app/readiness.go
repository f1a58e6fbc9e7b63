// Package app wires the HTTP surface: router, middleware stack, readiness.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Readiness reports whether the pod can serve traffic: the database and the
// presence store must both answer. The bus is intentionally excluded; a bus
// outage degrades delivery but the outbox keeps accepting writes.
type Readiness struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
}

// Handler serves GET /readyz.
func (rd Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if rd.Pool != nil {
			if err := rd.Pool.Ping(ctx); err != nil {
				http.Error(w, "database not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if rd.Redis != nil {
			if err := rd.Redis.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
