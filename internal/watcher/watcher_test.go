package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/types"
)

type fakeLog struct {
	block, index uint64
	event        any
	err          error
}

type fakeClient struct {
	mu    sync.Mutex
	head  uint64
	logs  map[uint64][]fakeLog // by call count, so tests can vary fetch responses
	calls int
}

func (c *fakeClient) HeadBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeClient) FetchLogs(ctx context.Context, from, to uint64) ([]Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	var out []Log
	for _, l := range c.logs[to] {
		l := l
		out = append(out, Log{
			RawLog: RawLog{BlockNumber: l.block, LogIndex: uint(l.index)},
			Decode: func() (any, types.EventHash, error) {
				if l.err != nil {
					return nil, types.EventHash{}, l.err
				}
				var h types.EventHash
				h[0] = byte(l.block)
				h[1] = byte(l.index)
				return l.event, h, nil
			},
		})
	}
	return out, nil
}

type recordingHandler struct {
	mu       sync.Mutex
	events   []any
	fail     bool
	failFrom int // fail starting with the failFrom'th event (0 = fail every event)
}

func (h *recordingHandler) CanHandle(event any) bool { return true }

func (h *recordingHandler) Handle(ctx context.Context, event any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail && len(h.events) >= h.failFrom {
		return errors.New("handler failure")
	}
	h.events = append(h.events, event)
	return nil
}

func testResourceId() types.ResourceId {
	var target [20]byte
	target[19] = 0x42
	return types.NewResourceId(types.NewContractTargetSystem(target), types.Evm(1))
}

func TestWatcherNoFetchWhenHeadWithinConfirmations(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	client := &fakeClient{head: 10}
	handler := &recordingHandler{}
	w := New(rid, client, []Handler{handler}, st, Config{Confirmations: 5, PollInterval: time.Millisecond}, zerolog.Nop())

	if err := st.SetLastBlock(rid, 5); err != nil {
		t.Fatalf("seed last block: %v", err)
	}

	if err := w.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}

	client.mu.Lock()
	calls := client.calls
	client.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no fetch when head-confirmations <= last_block, got %d calls", calls)
	}
}

func TestWatcherDispatchesInBlockThenLogIndexOrder(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	client := &fakeClient{
		head: 100,
		logs: map[uint64][]fakeLog{
			100: {
				{block: 12, index: 1, event: "b"},
				{block: 11, index: 0, event: "a"},
				{block: 12, index: 0, event: "b0"},
			},
		},
	}
	handler := &recordingHandler{}
	w := New(rid, client, []Handler{handler}, st, Config{MaxRange: 1000, PollInterval: time.Millisecond}, zerolog.Nop())

	if err := w.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.events) != 3 {
		t.Fatalf("expected 3 dispatched events, got %d", len(handler.events))
	}
	want := []any{"a", "b0", "b"}
	for i, e := range want {
		if handler.events[i] != e {
			t.Fatalf("event %d: want %v, got %v (full order %v)", i, e, handler.events[i], handler.events)
		}
	}

	last, ok, err := st.GetLastBlock(rid)
	if err != nil || !ok || last != 100 {
		t.Fatalf("expected last block advanced to 100, got %d ok=%v err=%v", last, ok, err)
	}
}

func TestWatcherDoesNotAdvancePastFailingHandler(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	client := &fakeClient{
		head: 100,
		logs: map[uint64][]fakeLog{
			100: {
				{block: 10, index: 0, event: "ok"},
				{block: 20, index: 0, event: "bad"},
			},
		},
	}
	handler := &recordingHandler{fail: true}
	w := New(rid, client, []Handler{handler}, st, Config{MaxRange: 1000, PollInterval: time.Millisecond}, zerolog.Nop())

	err := w.step(context.Background())
	if err == nil {
		t.Fatal("expected step to surface the handler failure")
	}

	_, ok, err := st.GetLastBlock(rid)
	if err != nil {
		t.Fatalf("get last block: %v", err)
	}
	if ok {
		t.Fatal("expected no progress persisted when the very first event's handler fails")
	}
}

func TestWatcherPersistsProgressBeforeFailingBlock(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	client := &fakeClient{
		head: 100,
		logs: map[uint64][]fakeLog{
			100: {
				{block: 10, index: 0, event: "ok"},
				{block: 20, index: 0, event: "bad"},
			},
		},
	}
	handler := &recordingHandler{fail: true, failFrom: 1}
	w := New(rid, client, []Handler{handler}, st, Config{MaxRange: 1000, PollInterval: time.Millisecond}, zerolog.Nop())

	if err := w.step(context.Background()); err == nil {
		t.Fatal("expected step to surface the second event's handler failure")
	}

	last, ok, err := st.GetLastBlock(rid)
	if err != nil {
		t.Fatalf("get last block: %v", err)
	}
	if !ok || last != 10 {
		t.Fatalf("expected progress persisted through the last successful block (10), got %d ok=%v", last, ok)
	}
}

func TestWatcherDoesNotAdvancePastFailingEventInSameBlock(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	if err := st.SetLastBlock(rid, 5); err != nil {
		t.Fatalf("seed last block: %v", err)
	}

	client := &fakeClient{
		head: 100,
		logs: map[uint64][]fakeLog{
			100: {
				{block: 10, index: 0, event: "even-ok"},
				{block: 10, index: 1, event: "odd-invalid-root"},
			},
		},
	}
	handler := &recordingHandler{fail: true, failFrom: 1}
	w := New(rid, client, []Handler{handler}, st, Config{MaxRange: 1000, PollInterval: time.Millisecond}, zerolog.Nop())

	if err := w.step(context.Background()); err == nil {
		t.Fatal("expected step to surface the second event's handler failure")
	}

	last, ok, err := st.GetLastBlock(rid)
	if err != nil {
		t.Fatalf("get last block: %v", err)
	}
	if !ok || last != 5 {
		t.Fatalf("expected last block to stay at the pre-block-10 value (5) when the odd event in block 10 fails, got %d ok=%v", last, ok)
	}
}

func TestWatcherStopsOnShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	client := &fakeClient{head: 0}
	handler := &recordingHandler{}
	w := New(rid, client, []Handler{handler}, st, Config{PollInterval: time.Millisecond}, zerolog.Nop())

	shutdown := make(chan struct{})
	close(shutdown)

	if err := w.Run(context.Background(), shutdown); err != nil {
		t.Fatalf("expected clean exit on shutdown, got: %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("expected Stopped state after shutdown, got %s", w.State())
	}
}
