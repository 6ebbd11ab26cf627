// Package api defines the thin boundary the external HTTP/WebSocket layer
// consumes to serve cached leaves, per spec.md's "out of scope, interface
// only" treatment of the API surface (Non-goal: no HTTP server is
// implemented in this core).
package api

import (
	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/types"
)

// LeavesReader answers range queries over a resource's cached leaves.
// start/end is half-open; start >= end yields an empty result, matching
// spec.md section 6's range-query contract.
type LeavesReader interface {
	Leaves(rid types.ResourceId, start, end uint32) ([]types.Leaf, error)
}

// StoreLeavesReader implements LeavesReader directly against a Store,
// the only concrete reader this core provides; an HTTP handler built on
// top of it is an external collaborator.
type StoreLeavesReader struct {
	Store store.Store
}

func (r *StoreLeavesReader) Leaves(rid types.ResourceId, start, end uint32) ([]types.Leaf, error) {
	if start >= end {
		return nil, nil
	}
	return r.Store.GetLeavesInRange(rid, start, end)
}
