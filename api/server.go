/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through zap
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for a web front end

ROUTE GROUPS:
  /healthz              Liveness
  /api/catalog, /api/categories/*, /api/quote, /api/payment/*
  /api/users/{id}/*     Registration, balance, purchases, top-ups, session
  /api/admin/*          Operator queue, stock, prices, balances, stats
                        (requires AdminToken; disabled when it is empty)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows any origin without credentials.
	AllowedOrigins []string

	// AdminToken is the shared secret for /api/admin. Empty disables it.
	AdminToken string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  zap.NewStdLog(h.logger),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(opts.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Catalog routes
		r.Get("/catalog", h.GetCatalog)
		r.Get("/categories", h.ListCategories)
		r.Get("/categories/{category}/tiers", h.ListTiers)
		r.Get("/quote", h.GetQuote)
		r.Get("/payment/{method}", h.GetPaymentInfo)

		// User routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
			r.Post("/purchases", h.CreatePurchase)
			r.Post("/receipts", h.CreateReceipt)
			r.Post("/topups", h.CreateTopup)

			r.Route("/session", func(r chi.Router) {
				r.Post("/", h.StartSession)
				r.Get("/", h.GetSession)
				r.Delete("/", h.CancelSession)
				r.Post("/{step}", h.SessionStep)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdminToken(opts.AdminToken))
			r.Use(withAdminCaller)
			r.Get("/pending", h.ListPending)
			r.Post("/requests/{kind}/{id}/{decision}", h.ResolveRequest)
			r.Post("/stock", h.AddStock)
			r.Delete("/stock/{category}/{tier}/{code}", h.RemoveCode)
			r.Put("/prices/{category}/{tier}", h.SetPrice)
			r.Put("/users/{id}/balance", h.SetBalance)
			r.Get("/users/{id}", h.GetAccount)
			r.Get("/stats", h.GetStats)
		})
	})

	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderAdminID, HeaderAdminToken},
	}
	if len(origins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowCredentials = true
	}
	return cors.Handler(opts)
}
