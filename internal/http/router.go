package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"voltflow/internal/http/handlers"
	"voltflow/internal/http/middleware"
	"voltflow/internal/ws"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Charging    *handlers.ChargingHandlers
	Balance     *handlers.BalanceHandlers
	Webhook     *handlers.WebhookHandler
	WSServer    *ws.Server
	Idempotency middleware.IdempotencyStore
	JWTSecret   string
	Logger      *zap.Logger
}

// NewRouter wires the REST surface and the OCPP websocket endpoint.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// station side; long-lived, so no request timeout here
	r.Get("/ws/{station_id}", deps.WSServer.HandleWS)

	// provider side; verified by signature, not by caller token
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Post("/payment/webhook", deps.Webhook.Handle)
	})

	// client side
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(middleware.Auth(deps.JWTSecret))
		r.Use(middleware.Idempotency(deps.Idempotency, deps.Logger))

		r.Post("/charging/start", deps.Charging.Start)
		r.Post("/charging/stop", deps.Charging.Stop)
		r.Get("/charging/{session_id}", deps.Charging.Get)
		r.Post("/balance/topup", deps.Balance.TopUp)
		r.Get("/balance", deps.Balance.Get)
	})

	return r
}
