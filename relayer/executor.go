package relayer

import (
	"context"
	"strings"

	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/types"
	"github.com/aionpay/relayer/validator"
)

// execute runs one transfer through re-validation, submission and receipt
// await. It never returns an error: every outcome is recorded as a status
// transition plus events. The caller holds the per-id guard.
func (q *Queue) execute(ctx context.Context, id int64) {
	t, err := q.store.Transfer(id)
	if err != nil {
		log.Errorw(err, "executor could not load transfer")
		return
	}
	// Another slot (or an admin action) may have advanced the row between
	// listing and guard acquisition.
	if t.Status != types.TransferStatusValidated {
		return
	}

	// Re-validate excluding this row's own nonce.
	verdict := q.validator.Validate(ctx, t, id)
	if !verdict.Valid() {
		q.handleValidationFailure(ctx, t, verdict)
		return
	}

	updated, err := q.store.UpdateStatus(id, types.TransferStatusPending, nil)
	if err != nil {
		log.Errorw(err, "executor could not flip transfer to pending")
		return
	}
	q.publish(eventbus.TopicPending, updated)

	txHash, err := q.gateway.SubmitTransfer(ctx, t, verdict.Amount)
	if err != nil {
		q.recordFailure(id, err.Error(), IsRetryable(err))
		return
	}
	updated, err = q.store.RecordSubmission(id, txHash)
	if err != nil {
		log.Errorw(err, "executor could not record submission")
		return
	}
	q.publish(eventbus.TopicSubmitted, updated)

	receipt, err := q.gateway.WaitReceipt(ctx, txHash)
	if err != nil {
		q.recordFailure(id, err.Error(), IsRetryable(err))
		return
	}
	if !receipt.Success {
		// A revert repeats identically on re-submission; never retried.
		q.recordFailure(id, "Transaction reverted", false)
		return
	}

	updated, err = q.store.UpdateStatus(id, types.TransferStatusConfirmed, &store.StatusUpdate{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	})
	if err != nil {
		log.Errorw(err, "executor could not confirm transfer")
		return
	}
	q.publish(eventbus.TopicConfirmed, updated)
	log.Infow("transfer confirmed",
		"transfer", id, "txHash", receipt.TxHash, "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
}

// handleValidationFailure classifies a failed re-validation: crash-race
// recovery, permanent rejection or transient failure.
func (q *Queue) handleValidationFailure(ctx context.Context, t *types.SignedTransfer, verdict *validator.Verdict) {
	reason := strings.Join(verdict.Errors, "; ")

	// Race recovery: the nonce is consumed on-chain but this row owns a
	// broadcast transaction. The chain accepted it and the process died
	// before recording the confirmation.
	if verdict.FailedOnlyNonceUsedOnChain() && t.TxHash != "" {
		if q.confirmMined(ctx, t) {
			return
		}
	}

	switch {
	case verdict.Transient:
		q.recordFailure(t.ID, reason, true)
	case verdict.Permanent():
		updated, err := q.store.UpdateStatus(t.ID, types.TransferStatusPermanentlyFailed, &store.StatusUpdate{
			ErrorMessage: reason,
		})
		if err != nil {
			log.Errorw(err, "executor could not mark transfer permanently failed")
			return
		}
		q.publish(eventbus.TopicFailed, updated)
		log.Warnw("transfer permanently failed", "transfer", t.ID, "reason", reason)
	default:
		q.recordFailure(t.ID, reason, true)
	}
}

// confirmMined resolves the crash-race: the row's own transaction consumed
// the nonce. If the block number is already recorded, or the receipt can
// still be fetched, the transfer is confirmed without re-submission.
func (q *Queue) confirmMined(ctx context.Context, t *types.SignedTransfer) bool {
	upd := &store.StatusUpdate{TxHash: t.TxHash, BlockNumber: t.BlockNumber}
	if upd.BlockNumber == 0 {
		receipt, err := q.gateway.WaitReceipt(ctx, t.TxHash)
		if err != nil || !receipt.Success {
			return false
		}
		upd.BlockNumber = receipt.BlockNumber
		upd.GasUsed = receipt.GasUsed
	}
	updated, err := q.store.UpdateStatus(t.ID, types.TransferStatusConfirmed, upd)
	if err != nil {
		log.Errorw(err, "executor could not confirm recovered transfer")
		return false
	}
	q.publish(eventbus.TopicConfirmed, updated)
	log.Infow("transfer confirmed via crash-race recovery",
		"transfer", t.ID, "txHash", t.TxHash, "block", upd.BlockNumber)
	return true
}

// recordFailure transitions a transfer to failed (bumping the retry count
// for retryable failures) or, once retries are exhausted or the error is
// permanent at ingest-level, leaves it for the scheduler to ignore. A
// "retry" event with the error detail is appended when a re-execution will
// follow.
func (q *Queue) recordFailure(id int64, reason string, retryable bool) {
	t, err := q.store.Transfer(id)
	if err != nil {
		log.Errorw(err, "executor could not load transfer to record failure")
		return
	}

	upd := &store.StatusUpdate{ErrorMessage: reason}
	if retryable {
		upd.IncrementRetry = true
	}
	updated, err := q.store.UpdateStatus(id, types.TransferStatusFailed, upd)
	if err != nil {
		log.Errorw(err, "executor could not mark transfer failed")
		return
	}
	q.publish(eventbus.TopicFailed, updated)

	if retryable && updated.RetryCount < q.maxRetries {
		backoff := 1 << uint(updated.RetryCount)
		if err := q.store.AppendEvent(id, "retry", reason, map[string]any{
			"retryCount":     updated.RetryCount,
			"backoffSeconds": backoff,
		}); err != nil {
			log.Errorw(err, "executor could not append retry event")
		}
		log.Warnw("transfer failed, retry scheduled",
			"transfer", id, "retryCount", updated.RetryCount, "backoffSeconds", backoff, "reason", reason)
		return
	}
	log.Warnw("transfer failed", "transfer", id, "retryCount", t.RetryCount, "reason", reason)
}
