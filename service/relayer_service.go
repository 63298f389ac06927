package service

import (
	"context"
	"time"

	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/relayer"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/validator"
)

// StatsMonitorInterval is the interval at which queue statistics are logged.
// This can be overridden before starting the service.
var StatsMonitorInterval = 60 * time.Second

// RelayerService represents the background transfer execution service.
type RelayerService struct {
	Queue *relayer.Queue
}

// NewRelayer creates the queue that picks up validated transfers, executes
// them through the chain gateway and drives retries.
func NewRelayer(stg *store.Storage, vld *validator.Validator, gateway relayer.ChainGateway,
	bus *eventbus.Bus, maxConcurrent, maxRetries int,
) *RelayerService {
	return &RelayerService{
		Queue: relayer.New(stg, vld, gateway, bus, maxConcurrent, maxRetries),
	}
}

// Start begins the transfer execution service. It returns an error if the
// service fails to recover its pending transfers.
func (rs *RelayerService) Start(ctx context.Context) error {
	if err := rs.Queue.Start(ctx); err != nil {
		return err
	}
	rs.startStatsMonitor(ctx, StatsMonitorInterval)
	return nil
}

// Stop halts the transfer execution service and waits for in-flight
// executions to finish.
func (rs *RelayerService) Stop() {
	if err := rs.Queue.Stop(); err != nil {
		log.Warnw("relayer service stopped", "error", err)
	}
}

// startStatsMonitor starts a goroutine that periodically logs the queue
// counters.
func (rs *RelayerService) startStatsMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		log.Infow("queue stats monitor started", "interval", interval.String())
		for {
			select {
			case <-ctx.Done():
				log.Infow("queue stats monitor stopped")
				return
			case <-ticker.C:
				rs.logQueueStats()
			}
		}
	}()
}

func (rs *RelayerService) logQueueStats() {
	stats, err := rs.Queue.Stats()
	if err != nil {
		log.Warnw("failed to collect queue stats", "error", err)
		return
	}
	if stats.Queue.Pending == 0 && stats.Queue.Processing == 0 && stats.Processing.Current == 0 {
		return
	}
	log.Infow("queue statistics",
		"pending", stats.Queue.Pending,
		"processing", stats.Queue.Processing,
		"failed", stats.Queue.Failed,
		"completed", stats.Queue.Completed,
		"inFlight", stats.Processing.Current,
		"maxConcurrent", stats.Processing.Max,
	)
}
