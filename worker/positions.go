package worker

import (
	"context"
	"errors"
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

// Tuning shared by the streaming workers, populated from env by the cmd
// layer.
type Tuning struct {
	MaxPerBatch       int
	CatchUpEnabled    bool
	CatchUpWindowSize uint64
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	PollInterval      time.Duration
	StaleThreshold    time.Duration
	PruneThreshold    time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		MaxPerBatch:       1000,
		CatchUpEnabled:    true,
		CatchUpWindowSize: 10_000,
		HeartbeatInterval: time.Minute,
		CleanupInterval:   time.Minute,
		PollInterval:      5 * time.Second,
		StaleThreshold:    time.Minute,
		PruneThreshold:    24 * time.Hour,
	}
}

// NewPositionLiquidityWorker streams NFPM IncreaseLiquidity,
// DecreaseLiquidity and Collect events for every active position's NFT id.
// A closed position keeps its subscription, the same NFT can receive
// liquidity again; only burned or deleted positions are dropped.
func NewPositionLiquidityWorker(db store.Store, providers *chainrpc.Providers, bus eventbus.Publisher, backend blocktrack.Backend, tuning Tuning, log *slog.Logger) *StreamWorker {
	cfg := StreamConfig{
		Name:      "position-liquidity",
		Subsystem: "position-liquidity",
		Exchange:  eventbus.ExchangePositionLiquidity,

		Filter: func(ctx context.Context, chainID chains.ID) (subbatch.FilterSpec, bool, error) {
			return subbatch.FilterSpec{
				Topics:       []common.Hash{univ3.TopicIncreaseLiquidity, univ3.TopicDecreaseLiquidity, univ3.TopicCollect},
				Mode:         subbatch.KeyByTopic,
				Contracts:    []common.Address{univ3.NFPMAddress},
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

		MakeEnvelope: makeLiquidityEnvelope,

		DeployBlock: func(ctx context.Context, chainID chains.ID) uint64 {
			return univ3.NFPMDeployBlock(chainID)
		},

		OnCreated: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			return w.EnsureMember(ctx, ev.ChainID, subbatch.Member{Key: subbatch.IDKey(ev.NFTID), ID: ev.NFTID})
		},
		// closed positions stay subscribed, no OnClosed hook
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

func makeLiquidityEnvelope(chainID chains.ID, lg types.Log) (string, eventbus.Envelope, bool, error) {
	if len(lg.Topics) < 2 {
		return "", eventbus.Envelope{}, false, nil
	}

	var eventType string
	switch lg.Topics[0] {
	case univ3.TopicIncreaseLiquidity:
		eventType = "position.liquidity.increased"
	case univ3.TopicDecreaseLiquidity:
		eventType = "position.liquidity.decreased"
	case univ3.TopicCollect:
		eventType = "position.fees.collected"
	default:
		return "", eventbus.Envelope{}, false, nil
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
		EntityType:      eventbus.EntityTypePosition,
		Payload:         payload,
		Source:          "position-liquidity",
		ReceivedAt:      time.Now().UTC(),
		BlockNumber:     fmt.Sprintf("%d", lg.BlockNumber),
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        &idx,
	}
	return eventbus.PositionLiquidityKey(chainID, nftID), env, true, nil
}

// cleanupDeadPositions drops subscribed NFT ids whose position row is gone,
// burned or deleted. Closed rows keep their subscription.
func cleanupDeadPositions(ctx context.Context, db store.Store, w *StreamWorker) error {
	for _, chainID := range w.providers.ChainIDs() {
		for _, m := range w.Members(chainID) {
			p, err := db.PositionByNFT(ctx, chainID, m.ID)
			if errors.Is(err, store.ErrNotFound) {
				w.RemoveMember(chainID, m.Key)
				continue
			}
			if err != nil {
				return err
			}
			if p.Status == store.PositionBurned || p.Status == store.PositionDeleted {
				w.RemoveMember(chainID, m.Key)
			}
		}
	}
	return nil
}
