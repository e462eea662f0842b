package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/packfinderz-settlement/api/responses"
	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/redis"
)

const readinessTimeout = 2 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Settlement-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when both the database and Redis answer.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, redisP redis.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Settlement-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		var failure *pkgerrors.Error
		if dbP == nil {
			checks["database"] = "unconfigured"
		} else if err := dbP.Ping(ctx); err != nil {
			checks["database"] = "unavailable"
			failure = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "database ping")
		}
		if redisP == nil {
			checks["redis"] = "unconfigured"
		} else if err := redisP.Ping(ctx); err != nil {
			checks["redis"] = "unavailable"
			if failure == nil {
				failure = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "redis ping")
			}
		}

		if failure != nil {
			responses.WriteError(r.Context(), logg, w, failure.WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
