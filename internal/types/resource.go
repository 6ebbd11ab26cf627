// Package types holds the identifiers shared across the store, the leaf
// handler, and the watcher: ResourceId, Leaf, and the queue/event-hash
// primitives keyed off it.
package types

import (
	"encoding/hex"
	"fmt"
)

// TypedChainIdKind tags the chain family a TypedChainId refers to.
type TypedChainIdKind uint8

const (
	ChainKindNone TypedChainIdKind = iota
	ChainKindEvm
	ChainKindSubstrate
	ChainKindCosmos
	ChainKindSolana
)

func (k TypedChainIdKind) String() string {
	switch k {
	case ChainKindEvm:
		return "evm"
	case ChainKindSubstrate:
		return "substrate"
	case ChainKindCosmos:
		return "cosmos"
	case ChainKindSolana:
		return "solana"
	default:
		return "none"
	}
}

// TypedChainId is a tagged variant over chain families, each carrying its own
// numeric chain identifier.
type TypedChainId struct {
	Kind TypedChainIdKind
	ID   uint32
}

func Evm(id uint32) TypedChainId       { return TypedChainId{Kind: ChainKindEvm, ID: id} }
func Substrate(id uint32) TypedChainId { return TypedChainId{Kind: ChainKindSubstrate, ID: id} }
func Cosmos(id uint32) TypedChainId    { return TypedChainId{Kind: ChainKindCosmos, ID: id} }
func Solana(id uint32) TypedChainId    { return TypedChainId{Kind: ChainKindSolana, ID: id} }

func (c TypedChainId) String() string {
	return fmt.Sprintf("%s:%d", c.Kind, c.ID)
}

// TargetSystem identifies the contract or abstract tree this resource binds
// to. Contract addresses are left-padded to 32 bytes; a tree id occupies the
// same 32 bytes without the address-padding convention.
type TargetSystem struct {
	Bytes [32]byte
}

// NewContractTargetSystem pads a 20-byte EVM address into a TargetSystem.
func NewContractTargetSystem(addr [20]byte) TargetSystem {
	var ts TargetSystem
	copy(ts.Bytes[12:], addr[:])
	return ts
}

// NewTreeTargetSystem wraps an abstract tree id (already 32 bytes) as-is.
func NewTreeTargetSystem(id [32]byte) TargetSystem {
	return TargetSystem{Bytes: id}
}

// ResourceId is the composite primary key for all per-contract state:
// (TargetSystem, TypedChainId).
type ResourceId struct {
	Target TargetSystem
	Chain  TypedChainId
}

func NewResourceId(target TargetSystem, chain TypedChainId) ResourceId {
	return ResourceId{Target: target, Chain: chain}
}

// Hex renders the ResourceId as a stable, store-safe key component:
// <32-byte target hex>/<chain kind>-<chain id>.
func (r ResourceId) Hex() string {
	return fmt.Sprintf("%s/%s-%d", hex.EncodeToString(r.Target.Bytes[:]), r.Chain.Kind, r.Chain.ID)
}

func (r ResourceId) String() string { return r.Hex() }

// Leaf is a single commitment recorded at a monotonically increasing index
// within one ResourceId's tree.
type Leaf struct {
	Index      uint32
	Commitment [32]byte
}

// EventHash identifies a delivered event for replay suppression across restarts.
type EventHash [32]byte

func (h EventHash) Hex() string { return hex.EncodeToString(h[:]) }

// QueueKey selects one FIFO within the store's queue namespace: a chain tag
// plus an optional sub-queue discriminator (e.g. a distinct signer).
type QueueKey struct {
	ChainTag string
	SubQueue string
}

func (k QueueKey) String() string {
	if k.SubQueue == "" {
		return k.ChainTag
	}
	return k.ChainTag + "/" + k.SubQueue
}

// QueuedTxPayload is an opaque, type-erased signed payload bound for one
// chain. The relayer core never interprets Data; it is handed verbatim to a
// txqueue.Submitter.
type QueuedTxPayload struct {
	ID       string
	Data     []byte
	Attempts int
}
