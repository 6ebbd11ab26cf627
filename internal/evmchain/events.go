package evmchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certen/chain-relayer/internal/leafhandler"
	relayertypes "github.com/certen/chain-relayer/internal/types"
)

// vanchorEventsABI declares every VAnchor log this watcher recognizes.
// NewCommitment is the only one the leaf handler integrates into tree state
// (spec.md 4.1); the rest are informational, grounded in the original
// vanchor_leaves_handler.rs match arms (EdgeAddition, EdgeUpdate,
// NewNullifier, Insertion).
const vanchorEventsABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "commitment", "type": "bytes32"},
			{"indexed": false, "name": "leafIndex", "type": "uint32"},
			{"indexed": false, "name": "encryptedOutput", "type": "bytes"}
		],
		"name": "NewCommitment",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "chainID", "type": "uint256"},
			{"indexed": false, "name": "latestLeafIndex", "type": "uint256"},
			{"indexed": false, "name": "merkleRoot", "type": "bytes32"}
		],
		"name": "EdgeAddition",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "chainID", "type": "uint256"},
			{"indexed": false, "name": "latestLeafIndex", "type": "uint256"},
			{"indexed": false, "name": "merkleRoot", "type": "bytes32"}
		],
		"name": "EdgeUpdate",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "nullifier", "type": "bytes32"}
		],
		"name": "NewNullifier",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "commitment", "type": "bytes32"},
			{"indexed": false, "name": "leafIndex", "type": "uint32"},
			{"indexed": false, "name": "timestamp", "type": "uint256"}
		],
		"name": "Insertion",
		"type": "event"
	}
]`

// vanchorABI is parsed in a package-level initializer rather than init(), so
// topicNewCommitment below is computed from the parsed ABI.
var vanchorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(vanchorEventsABI))
	if err != nil {
		panic(fmt.Sprintf("evmchain: invalid embedded vanchor ABI: %v", err))
	}
	return parsed
}()

var topicNewCommitment = vanchorABI.Events["NewCommitment"].ID

// otherEventKinds maps every non-NewCommitment event this watcher recognizes
// to its typed leafhandler.EventKind, so informational events carry a closed
// constant rather than an arbitrary ABI name string.
var otherEventKinds = map[string]leafhandler.EventKind{
	"EdgeAddition": leafhandler.EventEdgeAddition,
	"EdgeUpdate":   leafhandler.EventEdgeUpdate,
	"NewNullifier": leafhandler.EventNewNullifier,
	"Insertion":    leafhandler.EventInsertion,
}

// DecodeLog converts a raw go-ethereum log into one of leafhandler's event
// variants. Only NewCommitment decodes into a *leafhandler.NewCommitmentEvent;
// everything else decodes into an *leafhandler.OtherEvent carrying its typed
// kind for logging and metrics. Unrecognized topics return a decode error so
// the caller can classify it per spec.md's error-kind table.
func DecodeLog(log types.Log) (any, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}
	event, err := vanchorABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("unrecognized event topic %s: %w", log.Topics[0], err)
	}

	hash := eventHash(log)

	if log.Topics[0] == topicNewCommitment {
		var decoded struct {
			Commitment      [32]byte
			LeafIndex       uint32
			EncryptedOutput []byte
		}
		if err := vanchorABI.UnpackIntoInterface(&decoded, "NewCommitment", log.Data); err != nil {
			return nil, fmt.Errorf("unpack NewCommitment: %w", err)
		}
		return &leafhandler.NewCommitmentEvent{
			LeafIndex:   decoded.LeafIndex,
			Commitment:  decoded.Commitment,
			BlockNumber: log.BlockNumber,
			EventHash:   hash,
			Raw:         log.Data,
		}, nil
	}

	kind, ok := otherEventKinds[event.Name]
	if !ok {
		return nil, fmt.Errorf("unrecognized event kind %s", event.Name)
	}
	return &leafhandler.OtherEvent{
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		EventHash:   hash,
		Raw:         log.Data,
	}, nil
}

// eventHash identifies a log uniquely for replay suppression: tx hash plus
// log index, matching the teacher's log-dedup approach of keying off the
// transaction rather than re-hashing the payload.
func eventHash(log types.Log) relayertypes.EventHash {
	buf := make([]byte, 0, 32+8)
	buf = append(buf, log.TxHash.Bytes()...)
	idx := new(big.Int).SetUint64(uint64(log.Index)).Bytes()
	buf = append(buf, idx...)
	sum := crypto.Keccak256(buf)
	var h relayertypes.EventHash
	copy(h[:], sum)
	return h
}
