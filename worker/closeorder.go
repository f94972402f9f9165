package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/store"
	"github.com/meridianfi/chainfeed/subbatch"
	"github.com/meridianfi/chainfeed/univ3"
)

// ContractKindCloser is the shared-contract kind for close-order executor
// deployments.
const ContractKindCloser = "closer"

// NewCloseOrderWorker streams order lifecycle events from the platform's
// closer deployments, keyed by position NFT id. Chains with no closer
// deployment are skipped.
func NewCloseOrderWorker(db store.Store, providers *chainrpc.Providers, bus eventbus.Publisher, backend blocktrack.Backend, tuning Tuning, log *slog.Logger) *StreamWorker {
	cfg := StreamConfig{
		Name:      "close-orders",
		Subsystem: "close-orders",
		Exchange:  eventbus.ExchangeCloseOrders,

		Filter: func(ctx context.Context, chainID chains.ID) (subbatch.FilterSpec, bool, error) {
			contracts, err := db.ActiveContracts(ctx, ContractKindCloser)
			if err != nil {
				return subbatch.FilterSpec{}, false, err
			}
			var addrs []common.Address
			for _, c := range contracts {
				if c.ChainID == chainID {
					addrs = append(addrs, c.Address)
				}
			}
			if len(addrs) == 0 {
				return subbatch.FilterSpec{}, false, nil
			}
			return subbatch.FilterSpec{
				Topics:       []common.Hash{univ3.TopicOrderCreated, univ3.TopicOrderExecuted, univ3.TopicOrderCancelled},
				Mode:         subbatch.KeyByTopic,
				Contracts:    addrs,
				IDTopicIndex: 1,
			}, true, nil
		},

		LoadMembers: func(ctx context.Context, chainID chains.ID) ([]subbatch.Member, error) {
			positions, err := db.ActivePositionsByChain(ctx, chainID)
			if err != nil {
				return nil, err
			}
			members := make([]subbatch.Member, 0, len(positions))
			for _, p := range positions {
				members = append(members, subbatch.Member{Key: subbatch.IDKey(p.NFTID), ID: p.NFTID})
			}
			return members, nil
		},

		MakeEnvelope: makeCloseOrderEnvelope,

		DeployBlock: func(ctx context.Context, chainID chains.ID) uint64 {
			contracts, err := db.ActiveContracts(ctx, ContractKindCloser)
			if err != nil {
				return 0
			}
			// earliest deployment on the chain bounds the scan
			var lowest uint64
			for _, c := range contracts {
				if c.ChainID != chainID {
					continue
				}
				if lowest == 0 || c.DeployBlock < lowest {
					lowest = c.DeployBlock
				}
			}
			return lowest
		},

		OnCreated: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			return w.EnsureMember(ctx, ev.ChainID, subbatch.Member{Key: subbatch.IDKey(ev.NFTID), ID: ev.NFTID})
		},
		OnDeleted: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			w.RemoveMember(ev.ChainID, subbatch.IDKey(ev.NFTID))
			return nil
		},

		Cleanup: func(ctx context.Context, w *StreamWorker) error {
			return cleanupDeadPositions(ctx, db, w)
		},

		MaxPerBatch:       tuning.MaxPerBatch,
		CatchUpEnabled:    tuning.CatchUpEnabled,
		CatchUpWindowSize: tuning.CatchUpWindowSize,
		HeartbeatInterval: tuning.HeartbeatInterval,
		CleanupInterval:   tuning.CleanupInterval,
	}
	return NewStreamWorker(cfg, providers, bus, backend, log)
}

// TriggerModeName maps the on-chain trigger mode enum into its routing-key
// form.
func TriggerModeName(mode uint8) string {
	switch mode {
	case 0:
		return "take-profit"
	case 1:
		return "stop-loss"
	default:
		return fmt.Sprintf("mode-%d", mode)
	}
}

func makeCloseOrderEnvelope(chainID chains.ID, lg types.Log) (string, eventbus.Envelope, bool, error) {
	if len(lg.Topics) < 2 {
		return "", eventbus.Envelope{}, false, nil
	}

	var eventType string
	switch lg.Topics[0] {
	case univ3.TopicOrderCreated:
		eventType = "closeorder.created"
	case univ3.TopicOrderExecuted:
		eventType = "closeorder.executed"
	case univ3.TopicOrderCancelled:
		eventType = "closeorder.cancelled"
	default:
		return "", eventbus.Envelope{}, false, nil
	}

	// trigger mode is the first non-indexed word
	var mode uint8
	if len(lg.Data) >= 32 {
		mode = lg.Data[31]
	}

	nftID := topicBig(lg.Topics[1])
	payload, err := encodeLogPayload(lg)
	if err != nil {
		return "", eventbus.Envelope{}, false, err
	}

	idx := lg.Index
	env := eventbus.Envelope{
		Type:            eventType,
		ChainID:         chainID,
		EntityID:        nftID.String(),
		EntityType:      eventbus.EntityTypeCloseOrder,
		Payload:         payload,
		Source:          "close-orders",
		ReceivedAt:      time.Now().UTC(),
		BlockNumber:     fmt.Sprintf("%d", lg.BlockNumber),
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        &idx,
	}
	return eventbus.CloseOrderKey(chainID, nftID, TriggerModeName(mode)), env, true, nil
}
