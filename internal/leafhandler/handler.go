// Package leafhandler implements the per-contract Merkle leaf handler:
// reconstructs a resource's tree from the store on startup, and integrates
// new-commitment events with the even/odd root-verification split described
// in spec.md 4.1.
//
// Adapted from the teacher's pkg/anchor/anchor_manager.go construction style
// (reload-then-serve) and pkg/ledger's atomic-update-with-rollback pattern.
package leafhandler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/certen/chain-relayer/internal/hasher"
	"github.com/certen/chain-relayer/internal/merkletree"
	"github.com/certen/chain-relayer/internal/metrics"
	"github.com/certen/chain-relayer/internal/relayererr"
	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/types"
)

// RootVerifier answers whether root is within a contract's recent-roots
// window as observed at atBlock. Implementations talk to a specific chain
// family (internal/evmchain's client, for instance).
type RootVerifier interface {
	IsKnownRoot(ctx context.Context, rid types.ResourceId, root []byte, atBlock uint64) (bool, error)
}

// NewCommitmentEvent is the only event variant that mutates tree state.
type NewCommitmentEvent struct {
	LeafIndex   uint32
	Commitment  [32]byte
	BlockNumber uint64
	EventHash   types.EventHash
	Raw         []byte // serialized event data; the handler does not persist it
}

// EventKind tags the informational event variants a contract can emit
// alongside NewCommitment, per original_source/vanchor_leaves_handler.rs's
// match arms. Kept as a closed set of typed constants (not a bare string)
// so metrics and audit logs can distinguish them without string comparison.
type EventKind string

const (
	EventEdgeAddition EventKind = "EdgeAddition"
	EventEdgeUpdate   EventKind = "EdgeUpdate"
	EventNewNullifier EventKind = "NewNullifier"
	EventInsertion    EventKind = "Insertion"
)

// OtherEvent covers edge-added/edge-updated/nullifier/insertion variants,
// which this core logs and acknowledges without touching the tree.
type OtherEvent struct {
	Kind        EventKind
	BlockNumber uint64
	EventHash   types.EventHash
	Raw         []byte
}

// Handler owns one resource's in-memory Merkle tree and the store records
// derived from it.
type Handler struct {
	rid      types.ResourceId
	store    store.Store
	tree     *merkletree.Tree
	verifier RootVerifier
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// WithMetrics attaches mx so accepted leaves and root rejections are counted
// and the current root is exported as a gauge label. Optional: a Handler
// with no metrics attached simply skips recording, so existing callers (and
// tests) that never call this are unaffected.
func (h *Handler) WithMetrics(mx *metrics.Metrics) *Handler {
	h.metrics = mx
	return h
}

// New reconstructs the Merkle tree for rid from every leaf already persisted
// in store, in index order, and returns a Handler ready to serve new events.
// It fails if any stored leaf cannot be interpreted as a field element within
// the bn254 scalar field (it always can, SetBytes reduces mod the field
// order, so this only guards against a store adapter surfacing unrelated
// data under the leaf key).
func New(rid types.ResourceId, st store.Store, h hasher.Hasher, verifier RootVerifier, log zerolog.Logger) (*Handler, error) {
	tree := merkletree.New(h)

	leaves, err := st.GetLeaves(rid)
	if err != nil {
		return nil, fmt.Errorf("%w: load leaves for %s: %v", relayererr.ErrStoreIO, rid, err)
	}
	for _, l := range leaves {
		fe := hasher.FieldElementFromCommitment(l.Commitment)
		if _, err := tree.Insert(l.Index, fe); err != nil {
			return nil, fmt.Errorf("%w: rebuild leaf %d for %s: %v", relayererr.ErrDecode, l.Index, rid, err)
		}
	}

	root := tree.Root()
	log.Info().
		Str("resource_id", rid.String()).
		Int("leaf_count", len(leaves)).
		Str("root", root.String()).
		Msg("leaf handler reconstructed tree")

	return &Handler{
		rid:      rid,
		store:    st,
		tree:     tree,
		verifier: verifier,
		log:      log,
	}, nil
}

// CanHandle reports whether this handler integrates the given event kind
// into tree state. Only NewCommitmentEvent does; every other variant is
// informational in this core.
func (h *Handler) CanHandle(event any) bool {
	_, ok := event.(*NewCommitmentEvent)
	return ok
}

// Handle integrates one event. For a NewCommitmentEvent it runs the
// even/odd algorithm from spec.md 4.1; for any other variant it logs and
// returns nil without touching the tree.
func (h *Handler) Handle(ctx context.Context, event any) error {
	switch e := event.(type) {
	case *NewCommitmentEvent:
		return h.handleNewCommitment(ctx, e)
	case *OtherEvent:
		h.log.Info().
			Str("resource_id", h.rid.String()).
			Str("kind", string(e.Kind)).
			Uint64("block_number", e.BlockNumber).
			Msg("informational event acknowledged")
		if h.metrics != nil {
			h.metrics.EventsProcessed.WithLabelValues(h.rid.String(), string(e.Kind)).Inc()
		}
		return nil
	default:
		return fmt.Errorf("%w: leaf handler cannot integrate event of type %T", relayererr.ErrDecode, event)
	}
}

// handleNewCommitment implements the five-step algorithm from spec.md 4.1:
// acquire the tree lock, insert, accept unconditionally on an even index,
// verify on-chain on an odd index with rollback on mismatch, then persist.
func (h *Handler) handleNewCommitment(ctx context.Context, e *NewCommitmentEvent) error {
	h.tree.Lock()
	defer h.tree.Unlock()

	snap := h.tree.Snapshot()

	fe := hasher.FieldElementFromCommitment(e.Commitment)
	root, err := h.tree.Insert(e.LeafIndex, fe)
	if err != nil {
		h.tree.Restore(snap)
		return fmt.Errorf("%w: insert leaf %d: %v", relayererr.ErrDecode, e.LeafIndex, err)
	}

	if e.LeafIndex%2 != 0 {
		rootBytes := root.Bytes()
		known, err := h.verifier.IsKnownRoot(ctx, h.rid, rootBytes[:], e.BlockNumber)
		if err != nil {
			h.tree.Restore(snap)
			return &relayererr.Transient{Cause: fmt.Errorf("is_known_root check for %s at block %d: %w", h.rid, e.BlockNumber, err)}
		}
		if !known {
			h.tree.Restore(snap)
			if h.metrics != nil {
				h.metrics.InvalidRoots.WithLabelValues(h.rid.String()).Inc()
			}
			return &relayererr.InvalidMerkleRootError{LeafIndex: e.LeafIndex}
		}
	}

	leaf := types.Leaf{Index: e.LeafIndex, Commitment: e.Commitment}
	if err := h.store.InsertLeavesAndLastBlock(h.rid, []types.Leaf{leaf}, e.BlockNumber); err != nil {
		h.tree.Restore(snap)
		return fmt.Errorf("%w: persist leaf %d: %v", relayererr.ErrStoreIO, e.LeafIndex, err)
	}
	if err := h.store.MarkEventSeen(e.EventHash); err != nil {
		// The leaf is already durable; a failure to record the dedup marker
		// is a store-I/O condition to retry, not a reason to roll back.
		return fmt.Errorf("%w: mark event seen for leaf %d: %v", relayererr.ErrStoreIO, e.LeafIndex, err)
	}

	if h.metrics != nil {
		h.metrics.EventsProcessed.WithLabelValues(h.rid.String(), "NewCommitment").Inc()
		h.metrics.SetRoot(h.rid.String(), root.String())
	}

	h.log.Info().
		Str("kind", "NewCommitment").
		Str("resource_id", h.rid.String()).
		Str("chain_id", h.rid.Chain.String()).
		Uint32("leaf_index", e.LeafIndex).
		Str("leaf", fmt.Sprintf("%x", e.Commitment)).
		Uint64("block_number", e.BlockNumber).
		Str("root", root.String()).
		Msg("leaf accepted")
	return nil
}

// Root returns the handler's current in-memory tree root.
func (h *Handler) Root() [32]byte {
	h.tree.Lock()
	defer h.tree.Unlock()
	r := h.tree.Root()
	return r.Bytes()
}

// ResourceId returns the resource this handler owns.
func (h *Handler) ResourceId() types.ResourceId { return h.rid }
