package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/handlers"
)

func NewHTTPServer(config *config.Config, handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(handler, gatherer, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewRouter registers every route. The dashboard websocket sets its own
// write deadline per frame once the connection is hijacked.
func NewRouter(handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Channel webhook
	router.HandleFunc("/webhook", handler.VerifyWebhook).Methods("GET")
	router.HandleFunc("/webhook", handler.Webhook).Methods("POST")

	// API routes
	router.HandleFunc("/sessions/{channel}/{user}", handler.GetSession).Methods("GET")
	router.HandleFunc("/sessions/{channel}/{user}/handover/close", handler.CloseHandover).Methods("POST")
	router.HandleFunc("/sessions/{channel}/{user}/archive", handler.ArchiveSession).Methods("POST")
	router.HandleFunc("/tickets/{id}", handler.GetTicket).Methods("GET")
	router.HandleFunc("/dashboard/ws", handler.DashboardWS).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Add logging middleware
	router.Use(loggingMiddleware(logger))

	return router
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
