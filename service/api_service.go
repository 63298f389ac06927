// Package service wires the node's long-running components behind a uniform
// Start/Stop lifecycle.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/aionpay/relayer/api"
	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/relayer"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/validator"
)

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	storage   *store.Storage
	queue     *relayer.Queue
	validator *validator.Validator
	bus       *eventbus.Bus
	API       *api.API
	mu        sync.Mutex
	cancel    context.CancelFunc
	host      string
	port      int
	adminUser string
	adminPass string
}

// NewAPI creates a new APIService instance. A nil storage is accepted: the
// API runs degraded and rejects submissions with 503.
func NewAPI(storage *store.Storage, queue *relayer.Queue, vld *validator.Validator, bus *eventbus.Bus,
	host string, port int, adminUser, adminPass string, disableLogging bool,
) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{
		storage:   storage,
		queue:     queue,
		validator: vld,
		bus:       bus,
		host:      host,
		port:      port,
		adminUser: adminUser,
		adminPass: adminPass,
	}
}

// Start begins the API server. It returns an error if the service is already
// running or if it fails to start.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		return fmt.Errorf("service already running")
	}

	var runCtx context.Context
	runCtx, as.cancel = context.WithCancel(ctx)

	var err error
	as.API, err = api.New(runCtx, &api.APIConfig{
		Host:      as.host,
		Port:      as.port,
		Storage:   as.storage,
		Queue:     as.queue,
		Validator: as.validator,
		Bus:       as.bus,
		AdminUser: as.adminUser,
		AdminPass: as.adminPass,
	})
	if err != nil {
		as.cancel()
		as.cancel = nil
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop halts the API server.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		as.cancel()
		as.cancel = nil
	}
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.host, as.port
}
