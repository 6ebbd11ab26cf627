// Package store defines the Store contract spec.md section 3/6 requires:
// leaves-by-resource, last-processed-block, seen-event-hashes, and
// queued-tx-payloads, plus two concrete implementations backed by
// github.com/cometbft/cometbft-db (the embedded KV family the teacher
// already depends on via pkg/kvdb/adapter.go).
package store

import (
	"context"
	"time"

	"github.com/certen/chain-relayer/internal/types"
)

// LeafCacheStore is the leaves-by-resource half of the contract.
type LeafCacheStore interface {
	// InsertLeavesAndLastBlock persists leaves and advances the resource's
	// last-processed-block atomically (one batch where the backend supports
	// it), matching spec.md 4.1 step 5.
	InsertLeavesAndLastBlock(rid types.ResourceId, leaves []types.Leaf, block uint64) error
	// GetLeaves returns all persisted leaves for rid, ordered by index.
	GetLeaves(rid types.ResourceId) ([]types.Leaf, error)
	// GetLeavesInRange returns leaves with index in [start, end). Empty when
	// start >= end, per spec.md's range-query boundary behavior.
	GetLeavesInRange(rid types.ResourceId, start, end uint32) ([]types.Leaf, error)
}

// ProgressStore tracks the per-resource watcher cursor.
type ProgressStore interface {
	GetLastBlock(rid types.ResourceId) (block uint64, ok bool, err error)
	SetLastBlock(rid types.ResourceId, block uint64) error
}

// EventHashStore suppresses replay of previously delivered events across restarts.
type EventHashStore interface {
	HasSeenEvent(hash types.EventHash) (bool, error)
	MarkEventSeen(hash types.EventHash) error
}

// DeadLetterRecord is one poisoned payload retained for operator inspection
// after it exceeded a queue's attempt ceiling.
type DeadLetterRecord struct {
	Payload types.QueuedTxPayload `json:"payload" yaml:"payload"`
	Reason  string                `json:"reason" yaml:"reason"`
}

// QueueStore is a FIFO per QueueKey with at-least-once semantics: items are
// removed only via Ack or MoveToDeadLetter, never implicitly on read.
type QueueStore interface {
	// Enqueue appends payload to the tail of key's queue. A payload with no
	// ID is stamped with a generated one before it is persisted, so every
	// producer gets a stable correlation identifier without having to mint
	// one itself.
	Enqueue(key types.QueueKey, payload types.QueuedTxPayload) error
	// Next blocks until a payload is available at the head of key's queue,
	// polling at pollInterval, and returns without removing it. It also
	// observes ctx cancellation.
	Next(ctx context.Context, key types.QueueKey, pollInterval time.Duration) (types.QueuedTxPayload, error)
	// Ack removes the current head item after successful confirmation.
	Ack(key types.QueueKey) error
	// Requeue overwrites the head item in place (e.g. with an incremented
	// attempt counter) without changing its queue position.
	Requeue(key types.QueueKey, payload types.QueuedTxPayload) error
	// MoveToDeadLetter removes the head item from the live queue and records
	// it, with reason, in the dead-letter area.
	MoveToDeadLetter(key types.QueueKey, payload types.QueuedTxPayload, reason string) error
	// ListDeadLetters returns every record parked in key's dead-letter area,
	// in the order they were poisoned, for operator inspection/export.
	ListDeadLetters(key types.QueueKey) ([]DeadLetterRecord, error)
}

// Store is the full contract the supervisor wires every handler, watcher,
// and queue against.
type Store interface {
	LeafCacheStore
	ProgressStore
	EventHashStore
	QueueStore
	Close() error
}
