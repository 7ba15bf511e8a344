// cmd/creamd/router.go
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"creamcrm/internal/config"
	"creamcrm/internal/loyalty"
	"creamcrm/internal/telemetry"
)

type routeMounter interface {
	Routes(r chi.Router)
}

type apiMounter interface {
	PublicRoutes(r chi.Router)
	StaffRoutes(r chi.Router)
}

type routes struct {
	loyalty apiMounter
	wallet  routeMounter
}

func newRouter(cfg *config.Config, logger *zap.Logger, h routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		h.loyalty.PublicRoutes(r)
		r.Group(func(r chi.Router) {
			if cfg.StaffJWTSecret != "" {
				r.Use(loyalty.StaffAuth(cfg.StaffJWTSecret))
			}
			h.loyalty.StaffRoutes(r)
		})
	})

	if cfg.WalletPathPrefix == "" {
		h.wallet.Routes(r)
	} else {
		r.Route(cfg.WalletPathPrefix, h.wallet.Routes)
	}
	return r
}
