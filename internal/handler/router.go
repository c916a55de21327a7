package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/studymate/internal/middleware"
)

// RouterConfig задаёт параметры маршрутизатора.
type RouterConfig struct {
	// AllowedOrigins перечисляет источники, которым разрешены CORS-запросы из клиентских приложений.
	AllowedOrigins []string
	// Gatherer отдаёт метрики на /metrics; nil отключает маршрут.
	Gatherer prometheus.Gatherer
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса studymate.
func (h *Handler) SetupRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Encoding", custommiddleware.DeviceIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Identify)

			r.Get("/credits", h.GetBalance)
			r.Post("/credits/spend", h.Spend)
			r.Post("/credits/sweep", h.Sweep)

			r.Post("/purchases/events", h.PurchaseEvent)

			r.Post("/features/{feature}", h.UseFeature)

			r.Get("/items", h.ListItems)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
