package evmchain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/chain-relayer/internal/leafhandler"
	relayertypes "github.com/certen/chain-relayer/internal/types"
	"github.com/certen/chain-relayer/internal/watcher"
)

// WatcherClient adapts Client to watcher.ChainClient for one contract
// address, turning raw go-ethereum logs into watcher.Log values with a
// deferred decode step (DecodeLog is only invoked once the watcher has
// sorted the batch; the event hash it yields is what the watcher then
// deduplicates on).
type WatcherClient struct {
	client   *Client
	contract common.Address
}

// NewWatcherClient binds a Client to the contract address a given
// ResourceId resolves to.
func NewWatcherClient(client *Client, contract common.Address) *WatcherClient {
	return &WatcherClient{client: client, contract: contract}
}

func (w *WatcherClient) HeadBlock(ctx context.Context) (uint64, error) {
	return w.client.HeadBlock(ctx)
}

func (w *WatcherClient) FetchLogs(ctx context.Context, from, to uint64) ([]watcher.Log, error) {
	raw, err := w.client.FilterLogs(ctx, w.contract, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]watcher.Log, 0, len(raw))
	for _, l := range raw {
		l := l
		out = append(out, watcher.Log{
			RawLog: watcher.RawLog{BlockNumber: l.BlockNumber, LogIndex: l.Index},
			Decode: func() (any, relayertypes.EventHash, error) {
				event, err := DecodeLog(l)
				if err != nil {
					return nil, relayertypes.EventHash{}, fmt.Errorf("decode log at block %d index %d: %w", l.BlockNumber, l.Index, err)
				}
				return event, eventHashOf(event), nil
			},
		})
	}
	return out, nil
}

// eventHashOf extracts the replay-suppression hash stamped onto the event
// by DecodeLog.
func eventHashOf(event any) relayertypes.EventHash {
	switch e := event.(type) {
	case *leafhandler.NewCommitmentEvent:
		return e.EventHash
	case *leafhandler.OtherEvent:
		return e.EventHash
	default:
		return relayertypes.EventHash{}
	}
}
