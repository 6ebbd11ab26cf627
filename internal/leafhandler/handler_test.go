package leafhandler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/certen/chain-relayer/internal/hasher"
	"github.com/certen/chain-relayer/internal/relayererr"
	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/types"
)

type fakeVerifier struct {
	known bool
	err   error
}

func (f *fakeVerifier) IsKnownRoot(ctx context.Context, rid types.ResourceId, root []byte, atBlock uint64) (bool, error) {
	return f.known, f.err
}

func testResourceId() types.ResourceId {
	var target [20]byte
	target[19] = 0x01
	return types.NewResourceId(types.NewContractTargetSystem(target), types.Evm(1))
}

func commitment(b byte) [32]byte {
	var c [32]byte
	c[31] = b
	return c
}

func TestHandleEvenLeafAcceptedUnconditionally(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()
	h, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = h.Handle(context.Background(), &NewCommitmentEvent{
		LeafIndex:   0,
		Commitment:  commitment(1),
		BlockNumber: 100,
		EventHash:   types.EventHash{0x01},
	})
	if err != nil {
		t.Fatalf("expected even leaf to be accepted without verification, got: %v", err)
	}

	leaves, err := st.GetLeaves(rid)
	if err != nil {
		t.Fatalf("GetLeaves: %v", err)
	}
	if len(leaves) != 1 || leaves[0].Index != 0 {
		t.Fatalf("expected one persisted leaf at index 0, got %+v", leaves)
	}
}

func TestHandleOddLeafAcceptedWhenRootKnown(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()
	h, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = h.Handle(context.Background(), &NewCommitmentEvent{
		LeafIndex:   1,
		Commitment:  commitment(2),
		BlockNumber: 100,
		EventHash:   types.EventHash{0x02},
	})
	if err != nil {
		t.Fatalf("expected odd leaf with known root to be accepted, got: %v", err)
	}

	leaves, err := st.GetLeaves(rid)
	if err != nil {
		t.Fatalf("GetLeaves: %v", err)
	}
	if len(leaves) != 1 || leaves[0].Index != 1 {
		t.Fatalf("expected one persisted leaf at index 1, got %+v", leaves)
	}
}

func TestHandleOddLeafRollsBackWhenRootUnknown(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()
	h, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rootBefore := h.Root()

	err = h.Handle(context.Background(), &NewCommitmentEvent{
		LeafIndex:   1,
		Commitment:  commitment(3),
		BlockNumber: 100,
		EventHash:   types.EventHash{0x03},
	})
	var invalidRoot *relayererr.InvalidMerkleRootError
	if !errors.As(err, &invalidRoot) {
		t.Fatalf("expected InvalidMerkleRootError, got: %v", err)
	}
	if invalidRoot.LeafIndex != 1 {
		t.Fatalf("expected leaf index 1 in error, got %d", invalidRoot.LeafIndex)
	}

	if h.Root() != rootBefore {
		t.Fatalf("expected tree root to be rolled back after rejection")
	}
	leaves, err := st.GetLeaves(rid)
	if err != nil {
		t.Fatalf("GetLeaves: %v", err)
	}
	if len(leaves) != 0 {
		t.Fatalf("expected no leaf persisted after rollback, got %+v", leaves)
	}
}

func TestHandleOddLeafTransientOnVerifierError(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()
	verifierErr := errors.New("rpc timeout")
	h, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{err: verifierErr}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = h.Handle(context.Background(), &NewCommitmentEvent{
		LeafIndex:   1,
		Commitment:  commitment(4),
		BlockNumber: 100,
		EventHash:   types.EventHash{0x04},
	})
	var transient *relayererr.Transient
	if !errors.As(err, &transient) {
		t.Fatalf("expected Transient error, got: %v", err)
	}
}

func TestHandleOtherEventDoesNotMutateTree(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()
	h, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rootBefore := h.Root()

	if err := h.Handle(context.Background(), &OtherEvent{Kind: "EdgeUpdate", BlockNumber: 50}); err != nil {
		t.Fatalf("expected OtherEvent to be acknowledged without error, got: %v", err)
	}
	if h.Root() != rootBefore {
		t.Fatalf("expected OtherEvent to leave the tree root unchanged")
	}
}

func TestNewReconstructsTreeFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	rid := testResourceId()

	if err := st.InsertLeavesAndLastBlock(rid, []types.Leaf{
		{Index: 0, Commitment: commitment(1)},
		{Index: 2, Commitment: commitment(2)},
	}, 10); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	reconstructed, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fresh, err := New(testResourceId(), store.NewMemoryStore(), hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New for empty store: %v", err)
	}
	if reconstructed.Root() == fresh.Root() {
		t.Fatal("expected reconstructed tree root to differ from an empty tree's root")
	}

	// Reconstructing a second handler from the same store must reach the
	// identical root, so a restart yields the pre-restart root.
	again, err := New(rid, st, hasher.NewMiMCHasher(make([]byte, 32)), &fakeVerifier{known: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New (second reconstruction): %v", err)
	}
	if again.Root() != reconstructed.Root() {
		t.Fatal("expected reconstructing the same store twice to yield the same root")
	}
}
