package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/domain/payment"
	"github.com/inkgen/inkgen-api/internal/middleware"
	"github.com/inkgen/inkgen-api/internal/pkg/response"
)

const version = "1.0.0"

type routerDeps struct {
	allowedOrigins []string
	auth           func(http.Handler) http.Handler
	credits        *credit.Handler
	payments       *payment.Handler
}

func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(d.allowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	r.Route("/payment", func(r chi.Router) {
		r.Mount("/credits", d.credits.Routes(d.auth))
		r.Mount("/", d.payments.Routes(d.auth))
	})

	r.Mount("/webhooks", d.payments.WebhookRoutes())

	r.Route("/admin", func(r chi.Router) {
		r.Use(d.auth)
		r.Use(middleware.RequireAdmin())
		r.Mount("/credits", d.credits.AdminRoutes())
		r.Mount("/payment", d.payments.AdminRoutes())
	})

	return r
}
