package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/relayer"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/validator"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host      string
	Port      int
	Storage   *store.Storage       // Nil storage puts the API in degraded mode
	Queue     *relayer.Queue       // Queue to wake on new submissions
	Validator *validator.Validator // Validator run at ingress
	Bus       *eventbus.Bus        // Event bus feeding the websocket endpoint
	AdminUser string               // Basic auth user for admin endpoints
	AdminPass string               // Basic auth password for admin endpoints
}

// API type represents the API HTTP server: ingress for signed transfers,
// status queries and the websocket subscription endpoint.
type API struct {
	router    *chi.Mux
	server    *http.Server
	storage   *store.Storage
	queue     *relayer.Queue
	validator *validator.Validator
	bus       *eventbus.Bus
	limiter   *rateLimiter
	adminUser string
	adminPass string
	startTime time.Time
}

// New creates a new API instance with the given configuration and starts the
// HTTP server. A nil Storage is accepted: the API starts in degraded mode and
// answers 503 on submissions.
func New(ctx context.Context, conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	a := &API{
		storage:   conf.Storage,
		queue:     conf.Queue,
		validator: conf.Validator,
		bus:       conf.Bus,
		limiter:   newRateLimiter(rateLimitMaxRequests, rateLimitWindow),
		adminUser: conf.AdminUser,
		adminPass: conf.AdminPass,
		startTime: time.Now(),
	}
	if a.storage == nil {
		log.Warnw("API starting in degraded mode, storage unavailable")
	}

	a.initRouter()
	if conf.Port > 0 {
		a.server = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", conf.Host, conf.Port),
			Handler: a.router,
		}
		go func() {
			log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start the API server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				log.Warnw("API server shutdown", "error", err)
			}
		}()
	}
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		httpWriteOK(w)
	})
	// transfer endpoints
	log.Infow("register handler", "endpoint", SubmitEndpoint, "method", "POST")
	a.router.With(a.rateLimitMiddleware).Post(SubmitEndpoint, a.submitTransfer)
	log.Infow("register handler", "endpoint", TransfersEndpoint, "method", "POST")
	a.router.With(a.rateLimitMiddleware).Post(TransfersEndpoint, a.submitTransfer)
	log.Infow("register handler", "endpoint", TransferStatusEndpoint, "method", "GET")
	a.router.Get(TransferStatusEndpoint, a.transferStatus)
	log.Infow("register handler", "endpoint", TransactionsEndpoint, "method", "GET")
	a.router.Get(TransactionsEndpoint, a.transactionsByAddress)
	// queue endpoints
	log.Infow("register handler", "endpoint", StatsEndpoint, "method", "GET")
	a.router.Get(StatsEndpoint, a.stats)
	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.Get(HealthEndpoint, a.health)
	log.Infow("register handler", "endpoint", AdminConcurrencyEndpoint, "method", "PUT")
	a.router.With(a.adminAuthMiddleware).Put(AdminConcurrencyEndpoint, a.setConcurrency)
	// websocket endpoint
	if a.bus != nil {
		log.Infow("register handler", "endpoint", WebsocketEndpoint, "method", "GET")
		a.router.Get(WebsocketEndpoint, a.handleWebsocket)
	}
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.registerHandlers()
}
