// Package txqueue implements the per-chain transaction queue from spec.md
// 4.3: a long-running consumer that submits signed payloads from the
// store's FIFO, dequeuing only after confirmation, with transient retry and
// poison/dead-letter classification.
//
// The attempt-ceiling/status classification is adapted from the teacher's
// pkg/execution/nonce_tracker.go NonceState machine (reserved/submitted/
// confirmed/failed), generalized from Accumulate nonces to opaque payload
// submission against any chain's Submitter.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/certen/chain-relayer/internal/metrics"
	"github.com/certen/chain-relayer/internal/relayererr"
	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/types"
)

// SubmitStatus classifies the outcome of one submission attempt.
type SubmitStatus int

const (
	SubmitConfirmed SubmitStatus = iota
	SubmitTransientFailure
	SubmitPoison
)

// Submitter submits one payload to a chain and reports its outcome. Submit
// should block until either confirmation or a definitive failure; the queue
// itself does not poll for confirmation separately (spec.md 4.3 step 4).
type Submitter interface {
	Submit(ctx context.Context, payload types.QueuedTxPayload) (SubmitStatus, error)
}

// DeadLetterMode selects what happens to a payload once it exceeds the
// attempt ceiling, per spec.md's "configurable, underspecified in the
// source" open question.
type DeadLetterMode string

const (
	DeadLetterStore DeadLetterMode = "store"
	DeadLetterDrop  DeadLetterMode = "drop"
)

// Config bounds one queue's retry behavior.
type Config struct {
	MaxAttempts      int
	RequeueDelay     time.Duration
	PollInterval     time.Duration
	DeadLetterPolicy DeadLetterMode
}

// Queue is a single-consumer drain of one store-backed FIFO.
type Queue struct {
	key       types.QueueKey
	store     store.Store
	submitter Submitter
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// WithMetrics attaches mx so submission attempts, confirmations, and
// dead-lettered/dropped payloads are counted. Optional, like
// leafhandler.Handler.WithMetrics.
func (q *Queue) WithMetrics(mx *metrics.Metrics) *Queue {
	q.metrics = mx
	return q
}

// New constructs a Queue bound to one QueueKey and Submitter (one signing
// identity per spec.md's concurrency model).
func New(key types.QueueKey, st store.Store, submitter Submitter, cfg Config, log zerolog.Logger) *Queue {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = 2 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DeadLetterPolicy == "" {
		cfg.DeadLetterPolicy = DeadLetterStore
	}
	return &Queue{key: key, store: st, submitter: submitter, cfg: cfg, log: log}
}

// Run drains the queue until shutdown is closed. An in-flight submission is
// always allowed to resolve before the shutdown check is reconsidered,
// matching spec.md's "never interrupt an in-flight submission" rule.
func (q *Queue) Run(ctx context.Context, shutdown <-chan struct{}) error {
	for {
		select {
		case <-shutdown:
			return nil
		default:
		}

		payload, err := q.store.Next(ctx, q.key, q.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := q.processOne(ctx, payload); err != nil {
			return err
		}
	}
}

// processOne submits the head payload and resolves it: ack on confirmation,
// requeue with an incremented attempt counter on transient failure (up to
// the attempt ceiling), or classify as poison beyond it.
func (q *Queue) processOne(ctx context.Context, payload types.QueuedTxPayload) error {
	if q.metrics != nil {
		q.metrics.TxSubmitted.WithLabelValues(q.key.String()).Inc()
	}
	status, err := q.submitter.Submit(ctx, payload)
	if err != nil {
		q.log.Warn().Err(err).Str("queue", q.key.String()).Str("payload_id", payload.ID).Msg("submission error")
	}

	switch status {
	case SubmitConfirmed:
		q.log.Info().Str("queue", q.key.String()).Str("payload_id", payload.ID).Msg("payload confirmed")
		if q.metrics != nil {
			q.metrics.TxConfirmed.WithLabelValues(q.key.String()).Inc()
		}
		return q.store.Ack(q.key)

	case SubmitPoison:
		return q.deadLetter(payload, "submitter classified payload as poison")

	default: // SubmitTransientFailure, or an unclassified error
		payload.Attempts++
		if payload.Attempts >= q.cfg.MaxAttempts {
			return q.deadLetter(payload, "exceeded max attempts")
		}
		if err := q.store.Requeue(q.key, payload); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.cfg.RequeueDelay):
		}
		return nil
	}
}

func (q *Queue) deadLetter(payload types.QueuedTxPayload, reason string) error {
	q.log.Error().Str("queue", q.key.String()).Str("payload_id", payload.ID).Str("reason", reason).Msg("payload poisoned")
	if q.metrics != nil {
		q.metrics.TxFailed.WithLabelValues(q.key.String()).Inc()
	}

	switch q.cfg.DeadLetterPolicy {
	case DeadLetterDrop:
		return q.store.Ack(q.key)
	default:
		if err := q.store.MoveToDeadLetter(q.key, payload, reason); err != nil {
			return fmt.Errorf("%w: move to dead letter: %v", relayererr.ErrStoreIO, err)
		}
		return nil
	}
}
