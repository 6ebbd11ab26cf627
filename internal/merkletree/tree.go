// Package merkletree implements the fixed-depth sparse authenticated tree
// described in spec.md section 3: depth 30, parameterised by a Hasher and an
// empty-leaf value, with atomic mutation and snapshot/rollback support.
//
// Adapted from the teacher's pkg/merkle/tree.go (level-indexed build, lock
// guarded mutation, sibling-path proof generation) but reworked from a
// from-scratch binary tree over a dynamic leaf count into an index-addressed
// sparse tree with precomputed empty-subtree hashes per level.
package merkletree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/certen/chain-relayer/internal/hasher"
)

// Depth is the fixed tree depth required by the data model.
const Depth = 30

var (
	ErrIndexOutOfRange = errors.New("leaf index out of range for tree depth")
	ErrLeafNotFound    = errors.New("leaf index not present in tree")
)

// Tree is a fixed-depth-30 sparse Merkle tree over field elements, addressed
// by leaf index. It caches the minimum set of internal nodes needed to
// recompute the root after an insert: one path of siblings per inserted leaf,
// keyed by (level, index-at-level).
type Tree struct {
	mu abstractLock

	h     hasher.Hasher
	empty [Depth + 1]fr.Element // empty[0] = empty leaf, empty[Depth] = empty root

	leaves map[uint32]fr.Element   // inserted leaves, by index
	nodes  map[nodeKey]fr.Element  // cached internal nodes, by (level, index)
	root   fr.Element
}

type nodeKey struct {
	level uint8
	index uint64
}

type abstractLock = sync.Mutex

// New creates an empty tree and precomputes the empty-subtree hash at every
// level so an all-empty tree's root is available without any inserts.
func New(h hasher.Hasher) *Tree {
	t := &Tree{
		h:      h,
		leaves: make(map[uint32]fr.Element),
		nodes:  make(map[nodeKey]fr.Element),
	}
	t.empty[0] = h.EmptyLeaf()
	for lvl := 1; lvl <= Depth; lvl++ {
		t.empty[lvl] = h.Hash(t.empty[lvl-1], t.empty[lvl-1])
	}
	t.root = t.empty[Depth]
	return t
}

// snapshot captures enough state to restore the tree after a failed insert:
// a full copy of the leaf and node maps plus the root, taken by the caller
// before mutation (see Snapshot/Restore). The copy lives only as long as the
// caller keeps it, so two copies are not held persistently.
type snapshot struct {
	leaves map[uint32]fr.Element
	nodes  map[nodeKey]fr.Element
	root   fr.Element
}

// clone makes a full shallow copy of the map state. Used for rollback; for a
// tree of bounded practical size (leaf counts in the millions, Depth=30) this
// is cheaper than a structural copy-on-write tree and keeps the insert path
// simple and auditable.
func (t *Tree) clone() snapshot {
	leaves := make(map[uint32]fr.Element, len(t.leaves))
	for k, v := range t.leaves {
		leaves[k] = v
	}
	nodes := make(map[nodeKey]fr.Element, len(t.nodes))
	for k, v := range t.nodes {
		nodes[k] = v
	}
	return snapshot{leaves: leaves, nodes: nodes, root: t.root}
}

func (t *Tree) restore(s snapshot) {
	t.leaves = s.leaves
	t.nodes = s.nodes
	t.root = s.root
}

// Insert places a commitment at index, recomputes the affected path, and
// returns the new root. It does not lock internally; callers that need the
// insert to be atomic with an external verification step (the leaf handler's
// on-chain is_known_root check) must hold their own lock across both and use
// Snapshot/Restore on failure.
func (t *Tree) Insert(index uint32, leaf fr.Element) (fr.Element, error) {
	if index >= 1<<Depth {
		return fr.Element{}, fmt.Errorf("%w: index %d, depth %d", ErrIndexOutOfRange, index, Depth)
	}
	t.leaves[index] = leaf

	cur := leaf
	curIndex := uint64(index)
	for lvl := 0; lvl < Depth; lvl++ {
		sibling := t.siblingAt(uint8(lvl), curIndex^1)
		if curIndex%2 == 0 {
			cur = t.h.Hash(cur, sibling)
		} else {
			cur = t.h.Hash(sibling, cur)
		}
		curIndex /= 2
		t.nodes[nodeKey{level: uint8(lvl + 1), index: curIndex}] = cur
	}
	t.root = cur
	return t.root, nil
}

// siblingAt returns the node at (level, index), falling back to the
// precomputed empty-subtree hash for that level when nothing has been
// inserted there yet.
func (t *Tree) siblingAt(level uint8, index uint64) fr.Element {
	if level == 0 {
		if leaf, ok := t.leaves[uint32(index)]; ok {
			return leaf
		}
		return t.empty[0]
	}
	if n, ok := t.nodes[nodeKey{level: level, index: index}]; ok {
		return n
	}
	return t.empty[level]
}

// Root returns the current tree root.
func (t *Tree) Root() fr.Element { return t.root }

// Snapshot captures the tree's current state for later restoration.
func (t *Tree) Snapshot() any { return t.clone() }

// Restore rolls the tree back to a previously captured Snapshot.
func (t *Tree) Restore(s any) { t.restore(s.(snapshot)) }

// Leaf returns the inserted leaf at index, if present.
func (t *Tree) Leaf(index uint32) (fr.Element, bool) {
	l, ok := t.leaves[index]
	return l, ok
}

// Lock / Unlock expose the tree's exclusive-access primitive so callers can
// hold it across insert + on-chain verification, per spec.md's invariant
// that the tree is never observed in a partially-updated state.
func (t *Tree) Lock()   { t.mu.Lock() }
func (t *Tree) Unlock() { t.mu.Unlock() }
