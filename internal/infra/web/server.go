package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"billing-engine/internal/config"
	"billing-engine/internal/domain/model"
)

// Server is the HTTP edge: payment API under /api/v1, provider webhooks,
// health and metrics.
type Server struct {
	httpServer *http.Server
	log        *zerolog.Logger
}

func NewServer(cfg *config.Config, h *Handlers, auth *AuthManager, logger *zerolog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           NewRouter(h, auth, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

// NewRouter assembles the full route table with middleware.
func NewRouter(h *Handlers, auth *AuthManager, logger *zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(Recover(logger), TraceID(), RequestLog(logger), Timeout(60*time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		// Provider callbacks authenticate by signature, not bearer token.
		api.Post("/webhooks/card-gateway", h.Webhook(model.PaymentMethodCardGateway))
		api.Post("/webhooks/wallet-gateway", h.Webhook(model.PaymentMethodWalletGateway))

		api.Group(func(priv chi.Router) {
			priv.Use(auth.Middleware)

			priv.Route("/payments", func(pr chi.Router) {
				pr.Post("/", h.CreatePayment)
				pr.Post("/intent", h.CreateIntent)
				pr.Get("/{id}", h.GetPayment)
				pr.Post("/{id}/confirm", h.ConfirmPayment)
				pr.Post("/{id}/cancel", h.CancelPayment)
				pr.Post("/{id}/refund", h.RefundPayment)
				pr.Get("/user/{userID}", h.ListUserPayments)
				pr.Get("/stats/revenue", h.Revenue)
			})

			priv.Route("/subscriptions", func(sr chi.Router) {
				sr.Get("/user/{userID}", h.ListUserSubscriptions)
				sr.Get("/user/{userID}/plan/{planID}", h.GetActiveSubscription)
				sr.Post("/{id}/cancel", h.CancelSubscription)
			})
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
