package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/handler/console"
	"github.com/zhouzirui/callbridge/internal/handler/session"
	"github.com/zhouzirui/callbridge/internal/handler/telephony"
	middlewarePkg "github.com/zhouzirui/callbridge/internal/middleware"
	"github.com/zhouzirui/callbridge/internal/service/bridge"
	"github.com/zhouzirui/callbridge/pkg/utils"
)

// RouterOptions carries the optional edge settings.
type RouterOptions struct {
	Telephony telephony.Options
	Logger    *zap.Logger
}

// NewRouter wires HTTP routes to the bridge.
func NewRouter(b *bridge.Bridge, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	if opts.Telephony.Logger == nil {
		opts.Telephony.Logger = opts.Logger
	}
	sessionHandler := session.New(b, opts.Logger)
	consoleHandler := console.New(b, opts.Logger)
	telephonyHandler := telephony.New(b, opts.Telephony)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if b.Metrics != nil {
		r.Handle("/metrics", b.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		consoleHandler.RegisterRoutes(api)
		telephonyHandler.RegisterRoutes(api)

		api.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, b.Stats())
		})
	})

	return r
}
