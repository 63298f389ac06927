package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/db/metadb"
	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/relayer"
	"github.com/aionpay/relayer/service"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/validator"
	"github.com/aionpay/relayer/web3"
)

// Services holds all the running services
type Services struct {
	Storage *store.Storage
	Gateway *web3.Gateway
	Bus     *eventbus.Bus
	Relayer *service.RelayerService
	API     *service.APIService
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting aion-relayer", "version", Version)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	// Initialize the storage database. A storage failure does not abort
	// startup: the API runs degraded and answers 503 on submissions.
	log.Infow("initializing storage", "type", cfg.DB.Type, "datadir", cfg.Datadir)
	storagedb, err := metadb.New(cfg.DB.Type, db.Options{
		Path: filepath.Join(cfg.Datadir, "db"),
		URL:  cfg.DB.URL,
	})
	if err != nil {
		log.Warnw("failed to open storage, running degraded", "error", err)
	} else {
		services.Storage, err = store.New(storagedb)
		if err != nil {
			log.Warnw("failed to initialize store, running degraded", "error", err)
			services.Storage = nil
		}
	}

	// Initialize the chain gateway.
	log.Infow("initializing chain gateway", "endpoints", len(cfg.Web3.Rpc), "contract", cfg.Web3.Contract)
	services.Gateway, err = web3.NewGateway(ctx, cfg.Web3.Rpc, cfg.Web3.PrivKey, cfg.Web3.Contract)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chain gateway: %w", err)
	}
	log.Infow("chain gateway initialized", "account", services.Gateway.AccountAddress().Hex())

	services.Bus = eventbus.New(0)
	vld := validator.New(services.Storage, services.Gateway, cfg.Web3.ChainID)

	// Start the relayer queue; it needs durable storage.
	var queue *relayer.Queue
	if services.Storage != nil {
		log.Infow("starting relayer service",
			"concurrency", cfg.Queue.Concurrency, "maxRetries", cfg.Queue.MaxRetries)
		services.Relayer = service.NewRelayer(services.Storage, vld, services.Gateway,
			services.Bus, cfg.Queue.Concurrency, cfg.Queue.MaxRetries)
		if err := services.Relayer.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start relayer service: %w", err)
		}
		queue = services.Relayer.Queue
	}

	// Start the API service.
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API = service.NewAPI(services.Storage, queue, vld, services.Bus,
		cfg.API.Host, cfg.API.Port, cfg.API.AdminUser, cfg.API.AdminPass, false)
	if err := services.API.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Info("aion-relayer is running, ready to accept transfers!")
	return services, nil
}

// shutdownServices gracefully shuts down all services in reverse order of
// startup: ingress first so no new work arrives while the queue drains.
func shutdownServices(services *Services) {
	if services == nil {
		return
	}
	if services.API != nil {
		services.API.Stop()
	}
	if services.Relayer != nil {
		services.Relayer.Stop()
	}
	if services.Bus != nil {
		services.Bus.Close()
	}
	if services.Gateway != nil {
		services.Gateway.Close()
	}
	if services.Storage != nil {
		if err := services.Storage.Close(); err != nil {
			log.Warnw("failed to close storage", "error", err)
		}
	}
}
