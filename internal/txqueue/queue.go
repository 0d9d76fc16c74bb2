// Package txqueue implements the Transaction Queue: enqueue (sign and
// persist as pending), broadcast (atomic pending-to-broadcasting
// transition, submit to the network), and confirm (poll for inclusion).
// A signed payload, once written, is never regenerated; a UUID that has
// reached broadcasting or beyond never re-broadcasts.
package txqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Broadcaster submits a signed payload to a network and returns the
// resulting transaction hash if the network accepted it. This is an
// external port: concrete RPC clients live outside the engine.
type Broadcaster interface {
	Broadcast(ctx context.Context, network string, signedPayload []byte) (txHash string, err error)
}

// Confirmer reports whether a broadcast transaction has been included.
// Also an external port.
type Confirmer interface {
	IsConfirmed(ctx context.Context, network, txHash string) (bool, error)
}

// Config bounds broadcast retry and confirmation polling.
type Config struct {
	BroadcastRetries  int
	BroadcastBackoff  time.Duration
	ConfirmPollEvery  time.Duration
	ConfirmMaxAttempts int
}

// DefaultConfig returns sensible retry/poll bounds.
func DefaultConfig() Config {
	return Config{
		BroadcastRetries:   2,
		BroadcastBackoff:   500 * time.Millisecond,
		ConfirmPollEvery:   3 * time.Second,
		ConfirmMaxAttempts: 40,
	}
}

// Queue implements the Enqueue/Broadcast/Confirm lifecycle over the
// persistence port.
type Queue struct {
	cfg         Config
	store       storage.Store
	bus         *eventbus.Bus
	signer      Signer
	broadcaster Broadcaster
	confirmer   Confirmer
}

// New builds a Transaction Queue. broadcaster/confirmer may be nil in a
// signing-only deployment; Broadcast/Confirm then fail with Permanent.
func New(store storage.Store, bus *eventbus.Bus, signer Signer, broadcaster Broadcaster, confirmer Confirmer, cfg Config) *Queue {
	if cfg.BroadcastRetries == 0 && cfg.ConfirmPollEvery == 0 {
		cfg = DefaultConfig()
	}
	return &Queue{cfg: cfg, store: store, bus: bus, signer: signer, broadcaster: broadcaster, confirmer: confirmer}
}

// Enqueue signs an unsigned transaction and persists it as pending. The
// signed payload is computed exactly once here and never regenerated by
// later stages.
func (q *Queue) Enqueue(ctx context.Context, sessionID, network, from string, unsigned UnsignedTx) (*models.QueuedTransaction, error) {
	signed, _, err := q.signer.Sign(network, from, unsigned)
	if err != nil {
		return nil, err
	}

	tx := &models.QueuedTransaction{
		UUID:          uuid.NewString(),
		Network:       network,
		From:          from,
		To:            unsigned.To,
		Value:         unsigned.Value,
		Calldata:      unsigned.Calldata,
		MaxFeePerGas:  unsigned.MaxFeePerGas,
		GasLimit:      unsigned.GasLimit,
		Nonce:         unsigned.Nonce,
		SignedPayload: signed,
		Status:        models.TxPending,
		SessionID:     sessionID,
		CreatedAt:     time.Now(),
	}
	if err := q.store.CreateQueuedTx(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Broadcast moves a queued transaction from pending to broadcasting and
// submits it to the network. At most one row per (from, nonce, network)
// may be broadcasting at a time; a concurrent attempt on the same slot
// fails with Conflict.
func (q *Queue) Broadcast(ctx context.Context, uuidStr string) error {
	if q.broadcaster == nil {
		return engineerr.New(engineerr.Permanent, "txqueue.Broadcast", "no broadcaster configured")
	}

	tx, err := q.store.GetQueuedTx(ctx, uuidStr)
	if err != nil {
		return err
	}
	if err := q.guardAgainstConcurrentNonce(ctx, tx); err != nil {
		return err
	}
	if err := q.store.UpdateQueuedTxStatus(ctx, uuidStr, models.TxBroadcasting, "", ""); err != nil {
		return err
	}

	var lastErr error
	backoff := q.cfg.BroadcastBackoff
	for attempt := 0; attempt <= q.cfg.BroadcastRetries; attempt++ {
		txHash, err := q.broadcaster.Broadcast(ctx, tx.Network, tx.SignedPayload)
		if err == nil {
			if serr := q.store.UpdateQueuedTxStatus(ctx, uuidStr, models.TxBroadcast, txHash, ""); serr != nil {
				return serr
			}
			q.publish(ctx, models.TopicTxPending, uuidStr, tx.SessionID, models.TxBroadcast, txHash, "")
			return nil
		}
		lastErr = err
		if !engineerr.IsRetryable(err) || ctx.Err() != nil || attempt >= q.cfg.BroadcastRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = q.cfg.BroadcastRetries
		}
	}

	reason := "broadcast failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	if serr := q.store.UpdateQueuedTxStatus(ctx, uuidStr, models.TxFailed, "", reason); serr != nil {
		return serr
	}
	q.publish(ctx, models.TopicTxFailed, uuidStr, tx.SessionID, models.TxFailed, "", reason)
	return engineerr.Wrap(engineerr.Transient, "txqueue.Broadcast", lastErr)
}

// guardAgainstConcurrentNonce enforces at most one row per (from, nonce,
// network) in the broadcasting state.
func (q *Queue) guardAgainstConcurrentNonce(ctx context.Context, tx *models.QueuedTransaction) error {
	inFlight, err := q.store.ListQueuedTxByStatus(ctx, models.TxBroadcasting)
	if err != nil {
		return err
	}
	for _, other := range inFlight {
		if other.UUID == tx.UUID {
			continue
		}
		if other.Network == tx.Network && other.From == tx.From && other.Nonce == tx.Nonce {
			return engineerr.New(engineerr.Conflict, "txqueue.Broadcast", fmt.Sprintf("another transaction is already broadcasting for from=%s nonce=%d network=%s", tx.From, tx.Nonce, tx.Network))
		}
	}
	return nil
}

// Confirm polls the network until a broadcast transaction is included,
// moving it to confirmed, or gives up and marks it failed after
// ConfirmMaxAttempts. It blocks the calling goroutine; callers run it in
// the background.
func (q *Queue) Confirm(ctx context.Context, uuidStr string) error {
	if q.confirmer == nil {
		return engineerr.New(engineerr.Permanent, "txqueue.Confirm", "no confirmer configured")
	}

	tx, err := q.store.GetQueuedTx(ctx, uuidStr)
	if err != nil {
		return err
	}
	if tx.Status != models.TxBroadcast {
		return engineerr.New(engineerr.Invalid, "txqueue.Confirm", "transaction is not in broadcast status")
	}

	ticker := time.NewTicker(q.cfg.ConfirmPollEvery)
	defer ticker.Stop()

	for attempt := 0; attempt < q.cfg.ConfirmMaxAttempts; attempt++ {
		confirmed, err := q.confirmer.IsConfirmed(ctx, tx.Network, tx.TxHash)
		if err == nil && confirmed {
			if serr := q.store.UpdateQueuedTxStatus(ctx, uuidStr, models.TxConfirmed, tx.TxHash, ""); serr != nil {
				return serr
			}
			q.publish(ctx, models.TopicTxConfirmed, uuidStr, tx.SessionID, models.TxConfirmed, tx.TxHash, "")
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return engineerr.Wrap(engineerr.Cancelled, "txqueue.Confirm", ctx.Err())
		}
	}

	reason := "confirmation not observed within poll budget"
	if serr := q.store.UpdateQueuedTxStatus(ctx, uuidStr, models.TxFailed, "", reason); serr != nil {
		return serr
	}
	q.publish(ctx, models.TopicTxFailed, uuidStr, tx.SessionID, models.TxFailed, "", reason)
	return engineerr.New(engineerr.Permanent, "txqueue.Confirm", reason)
}

// Get fetches a queued transaction by UUID.
func (q *Queue) Get(ctx context.Context, uuidStr string) (*models.QueuedTransaction, error) {
	return q.store.GetQueuedTx(ctx, uuidStr)
}

// ListByStatus returns every transaction in a given status.
func (q *Queue) ListByStatus(ctx context.Context, status models.TxStatus) ([]*models.QueuedTransaction, error) {
	return q.store.ListQueuedTxByStatus(ctx, status)
}

// ListByNetwork returns every transaction on a given network.
func (q *Queue) ListByNetwork(ctx context.Context, network string) ([]*models.QueuedTransaction, error) {
	return q.store.ListQueuedTxByNetwork(ctx, network)
}

// Paginate returns a page of a network's transactions in the store's
// order, CreatedAt ascending (oldest first). The store's query surface only exposes
// status/network filters, so pagination is applied in-process over the
// matching set.
func (q *Queue) Paginate(ctx context.Context, network string, offset, limit int) ([]*models.QueuedTransaction, error) {
	all, err := q.store.ListQueuedTxByNetwork(ctx, network)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (q *Queue) publish(ctx context.Context, topic, uuidStr, sessionID string, status models.TxStatus, txHash, reason string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(ctx, models.Event{
		Topic:     topic,
		SessionID: sessionID,
		Tx: &models.TxEventPayload{
			UUID:   uuidStr,
			Status: status,
			TxHash: txHash,
			Reason: reason,
		},
	})
}
