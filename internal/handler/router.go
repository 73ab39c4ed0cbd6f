package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/pi-payments/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.CORS)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/api/me", h.Me)
		r.Post("/api/wallet", h.Wallet)
	})

	r.Route("/payment", func(r chi.Router) {
		r.Post("/approve", h.ApprovePayment)
		r.Post("/complete", h.CompletePayment)
		r.Post("/error", h.PaymentError)
	})

	r.Route("/api/payment-counter", func(r chi.Router) {
		r.Get("/", h.GetCounter)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.AdminMiddleware(h.adminToken))

			r.Get("/history", h.GetCounterHistory)
			r.Get("/archives", h.GetCounterArchives)
			r.Get("/archives/{name}", h.GetCounterArchive)
			r.Post("/reset", h.ResetCounter)
		})
	})

	r.Route("/api/scores", func(r chi.Router) {
		r.Get("/", h.GetScores)
		r.Post("/record", h.RecordScore)
	})

	r.Handle("/metrics", promhttp.Handler())

	if h.staticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(h.staticDir)))
		r.Handle("/static/*", fs)
		r.Get("/", h.serveIndex)
		r.Get("/favicon.ico", h.serveStaticFile("favicon.ico"))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	h.serveStaticFile("index.html")(w, r)
}

func (h *Handler) serveStaticFile(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(h.staticDir, name)
		if _, err := os.Stat(path); err != nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		http.ServeFile(w, r, path)
	}
}
