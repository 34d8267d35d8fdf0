package router

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/duangjit/backend/internal/auth"
	"github.com/duangjit/backend/internal/dashboard"
	"github.com/duangjit/backend/internal/handlers"
	"github.com/duangjit/backend/internal/middleware"
)

const maxEventsPerBatch = 100

// Pinger reports whether the backing store is reachable.
type Pinger func(ctx context.Context) error

type Deps struct {
	Auth        *auth.Handler
	Tokens      middleware.TokenValidator
	Events      *handlers.EventsHandler
	Dashboard   *dashboard.Handler
	Gatherer    prometheus.Gatherer
	Ping        Pinger
	CORSOrigins []string
}

// New returns the HTTP handler for the public event API, the admin API
// under /api/v1 and the operational endpoints.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.AdminAuth(d.Tokens)

	mux.Handle("POST /v1/events", middleware.BatchLimit(maxEventsPerBatch, 0)(http.HandlerFunc(d.Events.Ingest)))
	mux.Handle("GET /v1/accounts/{key}/balance", admin(http.HandlerFunc(d.Dashboard.GetBalance)))

	base := "/api/v1"
	mux.HandleFunc("POST "+base+"/admin/login", d.Auth.Login)
	mux.Handle("GET "+base+"/admin/accounts", admin(http.HandlerFunc(d.Dashboard.ListAccounts)))
	mux.Handle("GET "+base+"/admin/accounts/{key}/activity", admin(http.HandlerFunc(d.Dashboard.AccountActivity)))
	mux.Handle("POST "+base+"/admin/accounts/{key}/reset", admin(http.HandlerFunc(d.Dashboard.ResetAccount)))
	mux.Handle("GET "+base+"/admin/slips", admin(http.HandlerFunc(d.Dashboard.ListSlips)))
	mux.Handle("POST "+base+"/admin/slips/{id}/approve", admin(http.HandlerFunc(d.Dashboard.ApproveSlip)))
	mux.Handle("POST "+base+"/admin/slips/{id}/reject", admin(http.HandlerFunc(d.Dashboard.RejectSlip)))
	mux.Handle("GET "+base+"/admin/usage-report", admin(http.HandlerFunc(d.Dashboard.UsageReport)))

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", healthz(d.Ping))

	return cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}

func healthz(ping Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
