// Package relayer implements the queue and executor: it advances validated
// transfers to terminal states under a bounded concurrency cap, with
// idempotent crash recovery and exponential-backoff retries.
package relayer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/types"
	"github.com/aionpay/relayer/validator"
	"github.com/aionpay/relayer/web3"
)

var (
	// SchedulerInterval is the queue's periodic tick. It can be changed
	// before starting the queue; tests shorten it.
	SchedulerInterval = 5 * time.Second
)

const (
	// DefaultMaxConcurrent is the default number of parallel execution
	// slots.
	DefaultMaxConcurrent = 3
	// MinConcurrent and MaxConcurrent bound the admin-adjustable cap.
	MinConcurrent = 1
	MaxConcurrent = 10
	// DefaultMaxRetries is how many times a transient failure is retried
	// before the transfer is left in failed for good.
	DefaultMaxRetries = 3
)

// ChainGateway is the submission surface of the chain gateway; the web3
// package implements it, tests substitute a mock.
type ChainGateway interface {
	SubmitTransfer(ctx context.Context, t *types.SignedTransfer, amount *big.Int) (string, error)
	WaitReceipt(ctx context.Context, txHash string) (*web3.Receipt, error)
}

// Queue schedules validated transfers into bounded parallel execution slots
// and runs the retry scan for failed ones.
type Queue struct {
	store     *store.Storage
	validator *validator.Validator
	gateway   ChainGateway
	bus       *eventbus.Bus

	mu            sync.Mutex
	maxConcurrent int
	inFlight      int
	guards        map[int64]struct{}

	maxRetries int
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue. maxConcurrent is clamped to [MinConcurrent,
// MaxConcurrent]; zero selects the default. maxRetries <= 0 selects the
// default.
func New(stg *store.Storage, vld *validator.Validator, gateway ChainGateway, bus *eventbus.Bus, maxConcurrent, maxRetries int) *Queue {
	if maxConcurrent == 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	maxConcurrent = min(max(maxConcurrent, MinConcurrent), MaxConcurrent)
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:         stg,
		validator:     vld,
		gateway:       gateway,
		bus:           bus,
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		guards:        make(map[int64]struct{}),
		wake:          make(chan struct{}, 1),
	}
}

// Start recovers transfers stranded by a previous crash and launches the
// scheduler goroutine.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	if err := q.recoverPending(); err != nil {
		q.cancel()
		return fmt.Errorf("recover pending transfers: %w", err)
	}

	q.wg.Add(1)
	go q.runScheduler()

	log.Infow("relayer queue started",
		"maxConcurrent", q.MaxConcurrentSlots(), "maxRetries", q.maxRetries)
	return nil
}

// Stop cancels the scheduler and waits for in-flight slots to finish. Safe
// to call multiple times.
func (q *Queue) Stop() error {
	if q.cancel != nil {
		q.cancel()
		q.wg.Wait()
		log.Infow("relayer queue stopped")
	}
	return nil
}

// Wake nudges the scheduler to dispatch immediately, used by the ingress
// path after persisting a validated transfer.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// MaxConcurrentSlots returns the current concurrency cap.
func (q *Queue) MaxConcurrentSlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// SetMaxConcurrent adjusts the concurrency cap. Values outside
// [MinConcurrent, MaxConcurrent] are rejected.
func (q *Queue) SetMaxConcurrent(n int) error {
	if n < MinConcurrent || n > MaxConcurrent {
		return fmt.Errorf("concurrency must be in [%d, %d], got %d", MinConcurrent, MaxConcurrent, n)
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
	log.Infow("concurrency cap updated", "maxConcurrent", n)
	q.Wake()
	return nil
}

// Stats is the queue snapshot served by the stats endpoint.
type Stats struct {
	Queue struct {
		Pending    int `json:"pending"`
		Processing int `json:"processing"`
		Failed     int `json:"failed"`
		Completed  int `json:"completed"`
	} `json:"queue"`
	Processing struct {
		Current int `json:"current"`
		Max     int `json:"max"`
	} `json:"processing"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats returns the current queue counters. Pending counts transfers
// waiting in the queue (validated), Processing the ones broadcast and
// awaiting a receipt.
func (q *Queue) Stats() (*Stats, error) {
	counts, err := q.store.CountByStatus()
	if err != nil {
		return nil, err
	}
	stats := &Stats{Timestamp: time.Now().UTC()}
	stats.Queue.Pending = counts[types.TransferStatusValidated]
	stats.Queue.Processing = counts[types.TransferStatusPending]
	stats.Queue.Failed = counts[types.TransferStatusFailed] + counts[types.TransferStatusPermanentlyFailed]
	stats.Queue.Completed = counts[types.TransferStatusConfirmed]
	q.mu.Lock()
	stats.Processing.Current = q.inFlight
	stats.Processing.Max = q.maxConcurrent
	q.mu.Unlock()
	return stats, nil
}

// recoverPending re-queues rows left in pending by a crash. The executor's
// race-recovery branch confirms the ones whose transaction was mined; the
// rest are re-submitted.
func (q *Queue) recoverPending() error {
	stranded, err := q.store.ListByStatus(types.TransferStatusPending, 0)
	if err != nil {
		return err
	}
	for _, t := range stranded {
		if _, err := q.store.UpdateStatus(t.ID, types.TransferStatusValidated, &store.StatusUpdate{
			EventMessage: "re-queued after restart",
		}); err != nil {
			return fmt.Errorf("re-queue transfer %d: %w", t.ID, err)
		}
		log.Infow("re-queued stranded transfer", "transfer", t.ID, "txHash", t.TxHash)
	}
	return nil
}

func (q *Queue) runScheduler() {
	defer q.wg.Done()
	ticker := time.NewTicker(SchedulerInterval)
	defer ticker.Stop()

	// First pass right away, don't wait for the first tick.
	q.tick()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.tick()
		case <-q.wake:
			q.tick()
		}
	}
}

func (q *Queue) tick() {
	q.scheduleRetries()
	q.dispatch()
}

// dispatch fills the free execution slots with the oldest validated
// transfers.
func (q *Queue) dispatch() {
	q.mu.Lock()
	free := q.maxConcurrent - q.inFlight
	q.mu.Unlock()
	if free <= 0 {
		return
	}

	candidates, err := q.store.ListByStatus(types.TransferStatusValidated, free+len(q.guardSnapshot()))
	if err != nil {
		log.Errorw(err, "failed to list validated transfers")
		return
	}
	for _, t := range candidates {
		if !q.acquireSlot(t.ID) {
			continue
		}
		q.wg.Add(1)
		go func(id int64) {
			defer q.wg.Done()
			defer q.releaseSlot(id)
			q.execute(q.ctx, id)
		}(t.ID)
		free--
		if free == 0 {
			return
		}
	}
}

// scheduleRetries flips failed transfers whose backoff window has elapsed
// back to validated. The backoff is measured from the most recent failure,
// so every retry waits the full 2^retryCount seconds.
func (q *Queue) scheduleRetries() {
	failed, err := q.store.ListRetryable(q.maxRetries, 0)
	if err != nil {
		log.Errorw(err, "failed to list retryable transfers")
		return
	}
	now := time.Now()
	for _, t := range failed {
		if !isRequeueable(t.ErrorMessage) {
			continue
		}
		since := t.CreatedAt
		if t.FailedAt != nil {
			since = *t.FailedAt
		}
		backoff := time.Duration(1<<uint(t.RetryCount)) * time.Second
		if now.Sub(since) < backoff {
			continue
		}
		updated, err := q.store.UpdateStatus(t.ID, types.TransferStatusValidated, &store.StatusUpdate{
			EventMessage: fmt.Sprintf("retry %d queued after %s backoff", t.RetryCount, backoff),
		})
		if err != nil {
			log.Errorw(err, fmt.Sprintf("failed to re-queue transfer %d", t.ID))
			continue
		}
		q.publish(eventbus.TopicRetryQueued, updated)
		log.Infow("transfer re-queued for retry",
			"transfer", t.ID, "retryCount", t.RetryCount, "backoff", backoff.String())
	}
}

// acquireSlot takes both the per-id guard and an execution slot; it fails
// if the id is already owned or the cap is reached.
func (q *Queue) acquireSlot(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight >= q.maxConcurrent {
		return false
	}
	if _, owned := q.guards[id]; owned {
		return false
	}
	q.guards[id] = struct{}{}
	q.inFlight++
	return true
}

func (q *Queue) releaseSlot(id int64) {
	q.mu.Lock()
	delete(q.guards, id)
	q.inFlight--
	q.mu.Unlock()
	q.Wake()
}

func (q *Queue) guardSnapshot() map[int64]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64]struct{}, len(q.guards))
	for id := range q.guards {
		out[id] = struct{}{}
	}
	return out
}

// publish fans an updated transfer out on the given global topic and on its
// per-transfer topic.
func (q *Queue) publish(topic string, t *types.SignedTransfer) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(topic, t)
	q.bus.Publish(eventbus.TransferTopic(t.ID), t)
}
