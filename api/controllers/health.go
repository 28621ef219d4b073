package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/sitecrew-backend/api/responses"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const (
	envHeader    = "X-Sitecrew-Env"
	probeTimeout = 2 * time.Second
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings Postgres and Redis; either failing reports 503.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbPinger, redisPinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		checks := map[string]Pinger{"postgres": dbPinger, "redis": redisPinger}
		for name, p := range checks {
			if p == nil {
				continue
			}
			if err := p.Ping(ctx); err != nil {
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").
						WithDetails(map[string]string{"dependency": name}))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
