package store

import (
	"context"
	"testing"
	"time"

	"github.com/certen/chain-relayer/internal/types"
)

func testResourceId() types.ResourceId {
	var target [20]byte
	target[19] = 7
	return types.NewResourceId(types.NewContractTargetSystem(target), types.Evm(1))
}

func TestLeafCacheStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	rid := testResourceId()
	leaves := []types.Leaf{
		{Index: 0, Commitment: [32]byte{1}},
		{Index: 1, Commitment: [32]byte{2}},
		{Index: 5, Commitment: [32]byte{3}},
	}
	if err := s.InsertLeavesAndLastBlock(rid, leaves, 100); err != nil {
		t.Fatalf("insert leaves: %v", err)
	}

	got, err := s.GetLeaves(rid)
	if err != nil {
		t.Fatalf("get leaves: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 leaves, got %d", len(got))
	}
	if got[0].Index != 0 || got[1].Index != 1 || got[2].Index != 5 {
		t.Fatalf("leaves not ordered by index: %+v", got)
	}

	block, ok, err := s.GetLastBlock(rid)
	if err != nil || !ok || block != 100 {
		t.Fatalf("last block mismatch: block=%d ok=%v err=%v", block, ok, err)
	}

	ranged, err := s.GetLeavesInRange(rid, 1, 5)
	if err != nil {
		t.Fatalf("get leaves in range: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Index != 1 {
		t.Fatalf("range query returned unexpected leaves: %+v", ranged)
	}

	empty, err := s.GetLeavesInRange(rid, 5, 5)
	if err != nil {
		t.Fatalf("empty range query: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty result for start==end, got %+v", empty)
	}
}

func TestEventHashStoreDedup(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var h types.EventHash
	h[0] = 9

	seen, err := s.HasSeenEvent(h)
	if err != nil || seen {
		t.Fatalf("new event hash should be unseen: seen=%v err=%v", seen, err)
	}
	if err := s.MarkEventSeen(h); err != nil {
		t.Fatalf("mark event seen: %v", err)
	}
	seen, err = s.HasSeenEvent(h)
	if err != nil || !seen {
		t.Fatalf("marked event hash should be seen: seen=%v err=%v", seen, err)
	}
}

func TestQueueStoreFIFOAndAck(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	key := types.QueueKey{ChainTag: "evm-1", SubQueue: "bridge"}
	p1 := types.QueuedTxPayload{ID: "a"}
	p2 := types.QueuedTxPayload{ID: "b"}

	if err := s.Enqueue(key, p1); err != nil {
		t.Fatalf("enqueue p1: %v", err)
	}
	if err := s.Enqueue(key, p2); err != nil {
		t.Fatalf("enqueue p2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	head, err := s.Next(ctx, key, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if head.ID != "a" {
		t.Fatalf("expected head a, got %s", head.ID)
	}

	// Next without Ack must keep returning the same head item.
	head2, err := s.Next(ctx, key, 5*time.Millisecond)
	if err != nil || head2.ID != "a" {
		t.Fatalf("next should be idempotent before ack: %+v, %v", head2, err)
	}

	if err := s.Ack(key); err != nil {
		t.Fatalf("ack: %v", err)
	}

	head3, err := s.Next(ctx, key, 5*time.Millisecond)
	if err != nil || head3.ID != "b" {
		t.Fatalf("expected head b after ack, got %+v, %v", head3, err)
	}
}

func TestQueueStoreNextBlocksUntilEnqueue(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	key := types.QueueKey{ChainTag: "evm-1", SubQueue: "bridge"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan types.QueuedTxPayload, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := s.Next(ctx, key, 5*time.Millisecond)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- p
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Enqueue(key, types.QueuedTxPayload{ID: "late"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case p := <-resultCh:
		if p.ID != "late" {
			t.Fatalf("expected late payload, got %s", p.ID)
		}
	case err := <-errCh:
		t.Fatalf("next returned error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("next did not unblock after enqueue")
	}
}

func TestQueueStoreRequeueAndDeadLetter(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	key := types.QueueKey{ChainTag: "evm-1", SubQueue: "bridge"}
	p := types.QueuedTxPayload{ID: "c", Attempts: 0}
	if err := s.Enqueue(key, p); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.Attempts = 1
	if err := s.Requeue(key, p); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	head, err := s.Next(ctx, key, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if head.Attempts != 1 {
		t.Fatalf("requeue did not update attempts in place: %+v", head)
	}

	if err := s.MoveToDeadLetter(key, head, "poison payload"); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}

	// Queue should now be empty.
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	if _, err := s.Next(shortCtx, key, 5*time.Millisecond); err == nil {
		t.Fatal("expected queue to be empty after dead-lettering its only item")
	}
}
