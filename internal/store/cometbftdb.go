package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/google/uuid"

	"github.com/certen/chain-relayer/internal/relayererr"
	"github.com/certen/chain-relayer/internal/types"
)

// Key prefixes, matching spec.md section 6's logical store layout.
const (
	prefixLeaves     = "leaves/"
	prefixLastBlock  = "last_block/"
	prefixEventHash  = "event_hashes/"
	prefixQueue      = "queue/"
	prefixQueueMeta  = "queue_meta/"
	prefixDeadLetter = "deadletter/"
)

// DB is the subset of cometbft-db's dbm.DB this package relies on, kept
// narrow so tests can substitute dbm.NewMemDB() without pulling in a real
// backend, matching the teacher's pkg/kvdb/adapter.go wrapping pattern.
type DB = dbm.DB

// CometBFTStore implements Store over a cometbft-db backend. The queue's
// blocking wait is notified by a per-QueueKey wake channel that Enqueue
// signals, since cometbft-db has no notification primitive of its own;
// a bounded poll interval remains the fallback wakeup, per spec.md section
// 4.3 step 1 ("polling interval on stores without notification").
type CometBFTStore struct {
	db dbm.DB

	mu   sync.Mutex
	wake map[string]chan struct{}
}

// NewCometBFTStore opens (or creates) a cometbft-db backend of the given
// name/type in dir. backend is typically dbm.GoLevelDBBackend for a
// persistent on-disk store.
func NewCometBFTStore(name string, backend dbm.BackendType, dir string) (*CometBFTStore, error) {
	db, err := dbm.NewDB(name, backend, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", relayererr.ErrStoreIO, name, err)
	}
	return newCometBFTStore(db), nil
}

// NewMemoryStore returns a CometBFTStore backed by an in-memory dbm.MemDB,
// used by the tests.
func NewMemoryStore() *CometBFTStore {
	return newCometBFTStore(dbm.NewMemDB())
}

func newCometBFTStore(db dbm.DB) *CometBFTStore {
	return &CometBFTStore{db: db, wake: make(map[string]chan struct{})}
}

func (s *CometBFTStore) Close() error { return s.db.Close() }

// wakeChanLocked returns key's wake channel, creating it if absent. Callers
// must hold s.mu.
func (s *CometBFTStore) wakeChanLocked(key string) chan struct{} {
	c, ok := s.wake[key]
	if !ok {
		c = make(chan struct{}, 1)
		s.wake[key] = c
	}
	return c
}

// notify wakes one blocked Next call on key, if any. Non-blocking: if the
// channel already has a pending wake queued, this is a no-op.
func (s *CometBFTStore) notify(key string) {
	select {
	case s.wakeChanLocked(key) <- struct{}{}:
	default:
	}
}

// ---- LeafCacheStore ----

func leafKey(rid types.ResourceId, index uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, index)
	return []byte(prefixLeaves + rid.Hex() + "/" + string(b))
}

func leafPrefix(rid types.ResourceId) []byte {
	return []byte(prefixLeaves + rid.Hex() + "/")
}

func lastBlockKey(rid types.ResourceId) []byte {
	return []byte(prefixLastBlock + rid.Hex())
}

func (s *CometBFTStore) InsertLeavesAndLastBlock(rid types.ResourceId, leaves []types.Leaf, block uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, l := range leaves {
		if err := batch.Set(leafKey(rid, l.Index), l.Commitment[:]); err != nil {
			return fmt.Errorf("%w: batch set leaf: %v", relayererr.ErrStoreIO, err)
		}
	}
	blockBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(blockBytes, block)
	if err := batch.Set(lastBlockKey(rid), blockBytes); err != nil {
		return fmt.Errorf("%w: batch set last block: %v", relayererr.ErrStoreIO, err)
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", relayererr.ErrStoreIO, err)
	}
	return nil
}

func (s *CometBFTStore) GetLeaves(rid types.ResourceId) ([]types.Leaf, error) {
	return s.GetLeavesInRange(rid, 0, ^uint32(0))
}

func (s *CometBFTStore) GetLeavesInRange(rid types.ResourceId, start, end uint32) ([]types.Leaf, error) {
	if start >= end {
		return nil, nil
	}
	iter, err := s.db.Iterator(leafPrefix(rid), prefixUpperBound(leafPrefix(rid)))
	if err != nil {
		return nil, fmt.Errorf("%w: iterate leaves: %v", relayererr.ErrStoreIO, err)
	}
	defer iter.Close()

	var leaves []types.Leaf
	prefix := leafPrefix(rid)
	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix)+4 {
			continue
		}
		idx := binary.BigEndian.Uint32(key[len(prefix):])
		if idx < start || idx >= end {
			continue
		}
		var leaf types.Leaf
		leaf.Index = idx
		copy(leaf.Commitment[:], iter.Value())
		leaves = append(leaves, leaf)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterator error: %v", relayererr.ErrStoreIO, err)
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Index < leaves[j].Index })
	return leaves, nil
}

// prefixUpperBound returns the smallest key that is strictly greater than
// every key with the given prefix, for use as an exclusive iterator bound.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded above
}

// ---- ProgressStore ----

func (s *CometBFTStore) GetLastBlock(rid types.ResourceId) (uint64, bool, error) {
	v, err := s.db.Get(lastBlockKey(rid))
	if err != nil {
		return 0, false, fmt.Errorf("%w: get last block: %v", relayererr.ErrStoreIO, err)
	}
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (s *CometBFTStore) SetLastBlock(rid types.ResourceId, block uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, block)
	if err := s.db.SetSync(lastBlockKey(rid), b); err != nil {
		return fmt.Errorf("%w: set last block: %v", relayererr.ErrStoreIO, err)
	}
	return nil
}

// ---- EventHashStore ----

func eventHashKey(h types.EventHash) []byte {
	return []byte(prefixEventHash + h.Hex())
}

func (s *CometBFTStore) HasSeenEvent(hash types.EventHash) (bool, error) {
	ok, err := s.db.Has(eventHashKey(hash))
	if err != nil {
		return false, fmt.Errorf("%w: has event hash: %v", relayererr.ErrStoreIO, err)
	}
	return ok, nil
}

func (s *CometBFTStore) MarkEventSeen(hash types.EventHash) error {
	if err := s.db.SetSync(eventHashKey(hash), []byte{1}); err != nil {
		return fmt.Errorf("%w: mark event seen: %v", relayererr.ErrStoreIO, err)
	}
	return nil
}

// ---- QueueStore ----

type queueMeta struct {
	Head uint64 `json:"head"`
	Tail uint64 `json:"tail"`
}

func queueMetaKey(key types.QueueKey) []byte {
	return []byte(prefixQueueMeta + key.String())
}

func queueItemKey(key types.QueueKey, seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return []byte(prefixQueue + key.String() + "/" + string(b))
}

func deadLetterKey(key types.QueueKey, seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return []byte(prefixDeadLetter + key.String() + "/" + string(b))
}

func (s *CometBFTStore) readMeta(key types.QueueKey) (queueMeta, error) {
	v, err := s.db.Get(queueMetaKey(key))
	if err != nil {
		return queueMeta{}, fmt.Errorf("%w: get queue meta: %v", relayererr.ErrStoreIO, err)
	}
	if v == nil {
		return queueMeta{}, nil
	}
	var m queueMeta
	if err := json.Unmarshal(v, &m); err != nil {
		return queueMeta{}, fmt.Errorf("%w: decode queue meta: %v", relayererr.ErrStoreIO, err)
	}
	return m, nil
}

func (s *CometBFTStore) writeMeta(key types.QueueKey, m queueMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode queue meta: %v", relayererr.ErrStoreIO, err)
	}
	if err := s.db.SetSync(queueMetaKey(key), b); err != nil {
		return fmt.Errorf("%w: set queue meta: %v", relayererr.ErrStoreIO, err)
	}
	return nil
}

func (s *CometBFTStore) Enqueue(key types.QueueKey, payload types.QueuedTxPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	m, err := s.readMeta(key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", relayererr.ErrStoreIO, err)
	}
	if err := s.db.SetSync(queueItemKey(key, m.Tail), b); err != nil {
		return fmt.Errorf("%w: enqueue: %v", relayererr.ErrStoreIO, err)
	}
	m.Tail++
	if err := s.writeMeta(key, m); err != nil {
		return err
	}
	s.notify(key.String())
	return nil
}

func (s *CometBFTStore) Next(ctx context.Context, key types.QueueKey, pollInterval time.Duration) (types.QueuedTxPayload, error) {
	for {
		s.mu.Lock()
		m, err := s.readMeta(key)
		if err != nil {
			s.mu.Unlock()
			return types.QueuedTxPayload{}, err
		}
		if m.Head < m.Tail {
			v, err := s.db.Get(queueItemKey(key, m.Head))
			s.mu.Unlock()
			if err != nil {
				return types.QueuedTxPayload{}, fmt.Errorf("%w: read queue head: %v", relayererr.ErrStoreIO, err)
			}
			var payload types.QueuedTxPayload
			if err := json.Unmarshal(v, &payload); err != nil {
				return types.QueuedTxPayload{}, fmt.Errorf("%w: decode queue head: %v", relayererr.ErrStoreIO, err)
			}
			return payload, nil
		}
		wake := s.wakeChanLocked(key.String())
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.QueuedTxPayload{}, ctx.Err()
		case <-wake:
		case <-time.After(pollInterval):
		}
	}
}

func (s *CometBFTStore) Ack(key types.QueueKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMeta(key)
	if err != nil {
		return err
	}
	if m.Head >= m.Tail {
		return nil
	}
	if err := s.db.DeleteSync(queueItemKey(key, m.Head)); err != nil {
		return fmt.Errorf("%w: ack delete: %v", relayererr.ErrStoreIO, err)
	}
	m.Head++
	return s.writeMeta(key, m)
}

func (s *CometBFTStore) Requeue(key types.QueueKey, payload types.QueuedTxPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMeta(key)
	if err != nil {
		return err
	}
	if m.Head >= m.Tail {
		return fmt.Errorf("requeue: queue %s is empty", key)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", relayererr.ErrStoreIO, err)
	}
	if err := s.db.SetSync(queueItemKey(key, m.Head), b); err != nil {
		return fmt.Errorf("%w: requeue: %v", relayererr.ErrStoreIO, err)
	}
	return nil
}

func (s *CometBFTStore) MoveToDeadLetter(key types.QueueKey, payload types.QueuedTxPayload, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMeta(key)
	if err != nil {
		return err
	}
	if m.Head >= m.Tail {
		return fmt.Errorf("move to dead letter: queue %s is empty", key)
	}

	record := DeadLetterRecord{Payload: payload, Reason: reason}
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encode dead letter: %v", relayererr.ErrStoreIO, err)
	}
	if err := s.db.SetSync(deadLetterKey(key, m.Head), b); err != nil {
		return fmt.Errorf("%w: write dead letter: %v", relayererr.ErrStoreIO, err)
	}
	if err := s.db.DeleteSync(queueItemKey(key, m.Head)); err != nil {
		return fmt.Errorf("%w: delete queue item: %v", relayererr.ErrStoreIO, err)
	}
	m.Head++
	return s.writeMeta(key, m)
}

func deadLetterPrefix(key types.QueueKey) []byte {
	return []byte(prefixDeadLetter + key.String() + "/")
}

// ListDeadLetters returns every dead-letter record parked under key, in
// poisoning order, for an operator export tool (cmd/relayer's deadletters
// subcommand) to dump.
func (s *CometBFTStore) ListDeadLetters(key types.QueueKey) ([]DeadLetterRecord, error) {
	prefix := deadLetterPrefix(key)
	iter, err := s.db.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: iterate dead letters: %v", relayererr.ErrStoreIO, err)
	}
	defer iter.Close()

	var records []DeadLetterRecord
	for ; iter.Valid(); iter.Next() {
		var rec DeadLetterRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%w: decode dead letter: %v", relayererr.ErrStoreIO, err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterator error: %v", relayererr.ErrStoreIO, err)
	}
	return records, nil
}
