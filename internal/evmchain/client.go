// Package evmchain provides the EVM-family chain client: log filtering for
// the event watcher and an is_known_root RootVerifier backed by direct ABI
// call encoding, in the manner of the teacher's pkg/anchor/event_watcher.go
// (ethclient + accounts/abi) but against hand-packed calldata instead of
// abigen-generated bindings, since the anchor contract here is VAnchor, not
// CertenAnchorV3.
package evmchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/certen/chain-relayer/internal/relayererr"
	relayertypes "github.com/certen/chain-relayer/internal/types"
)

// isKnownRootABI declares the single method this package calls against a
// VAnchor-family contract: isKnownRoot(bytes32) returns (bool).
const isKnownRootABI = `[{
	"constant": true,
	"inputs": [{"name": "_root", "type": "bytes32"}],
	"name": "isKnownRoot",
	"outputs": [{"name": "", "type": "bool"}],
	"stateMutability": "view",
	"type": "function"
}]`

// Client wraps an ethclient.Client bound to one EVM chain, used both as the
// event watcher's log source and as the leaf handler's RootVerifier.
type Client struct {
	eth     *ethclient.Client
	chainID uint32
	abi     abi.ABI
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, httpEndpoint string, chainID uint32) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, httpEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", relayererr.ErrTransientRPC, httpEndpoint, err)
	}
	parsed, err := abi.JSON(strings.NewReader(isKnownRootABI))
	if err != nil {
		return nil, fmt.Errorf("parse isKnownRoot abi: %w", err)
	}
	return &Client{eth: eth, chainID: chainID, abi: parsed}, nil
}

// HeadBlock returns the current block number observed by the endpoint.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", relayererr.ErrTransientRPC, err)
	}
	return head, nil
}

// FilterLogs fetches raw logs for contract in the inclusive block range
// [from, to], mirroring the teacher's pollEvents filter-query construction.
func (c *Client) FilterLogs(ctx context.Context, contract common.Address, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs [%d,%d]: %v", relayererr.ErrTransientRPC, from, to, err)
	}
	return logs, nil
}

// IsKnownRoot implements leafhandler.RootVerifier by calling
// isKnownRoot(bytes32) at atBlock via eth_call, matching spec.md's decision
// to query at the event's own block number rather than the current head.
func (c *Client) IsKnownRoot(ctx context.Context, rid relayertypes.ResourceId, root []byte, atBlock uint64) (bool, error) {
	if len(root) != 32 {
		return false, fmt.Errorf("%w: root must be 32 bytes, got %d", relayererr.ErrDecode, len(root))
	}
	contract := common.BytesToAddress(rid.Target.Bytes[12:])

	var rootArr [32]byte
	copy(rootArr[:], root)
	calldata, err := c.abi.Pack("isKnownRoot", rootArr)
	if err != nil {
		return false, fmt.Errorf("pack isKnownRoot call: %w", err)
	}

	msg := ethereum.CallMsg{To: &contract, Data: calldata}
	out, err := c.eth.CallContract(ctx, msg, new(big.Int).SetUint64(atBlock))
	if err != nil {
		return false, fmt.Errorf("%w: isKnownRoot call at block %d: %v", relayererr.ErrTransientRPC, atBlock, err)
	}

	results, err := c.abi.Unpack("isKnownRoot", out)
	if err != nil {
		return false, fmt.Errorf("unpack isKnownRoot result: %w", err)
	}
	if len(results) != 1 {
		return false, fmt.Errorf("isKnownRoot returned %d values, want 1", len(results))
	}
	known, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("isKnownRoot returned non-bool result %T", results[0])
	}
	return known, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }
