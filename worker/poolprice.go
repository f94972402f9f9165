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

// NewPoolPriceWorker streams Swap events for every pool referenced by an
// active position and publishes price updates. A pool is unsubscribed only
// once no active position references it anymore.
func NewPoolPriceWorker(db store.Store, providers *chainrpc.Providers, bus eventbus.Publisher, backend blocktrack.Backend, tuning Tuning, log *slog.Logger) *StreamWorker {
	cfg := StreamConfig{
		Name:      "pool-prices",
		Subsystem: "pool-prices",
		Exchange:  eventbus.ExchangePoolPrices,

		Filter: func(ctx context.Context, chainID chains.ID) (subbatch.FilterSpec, bool, error) {
			return swapFilterSpec(), true, nil
		},

		LoadMembers: func(ctx context.Context, chainID chains.ID) ([]subbatch.Member, error) {
			positions, err := db.ActivePositionsByChain(ctx, chainID)
			if err != nil {
				return nil, err
			}
			seen := map[string]struct{}{}
			var members []subbatch.Member
			for _, p := range positions {
				key := subbatch.AddressKey(p.PoolAddress)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				members = append(members, subbatch.Member{Key: key, Address: p.PoolAddress})
			}
			return members, nil
		},

		MakeEnvelope: func(chainID chains.ID, lg types.Log) (string, eventbus.Envelope, bool, error) {
			return makeSwapEnvelope("pool-prices", chainID, lg)
		},

		// swaps also refresh the pool row so pollers read a fresh price
		OnLog: func(ctx context.Context, chainID chains.ID, lg types.Log) error {
			if len(lg.Topics) == 0 || lg.Topics[0] != univ3.TopicSwap {
				return nil
			}
			ev, err := univ3.ParseSwap(lg.Data)
			if err != nil {
				return fmt.Errorf("pool-prices: parse swap from tx %s: %w", lg.TxHash.Hex(), err)
			}
			return db.SavePool(ctx, &store.Pool{
				ChainID:      chainID,
				Address:      lg.Address,
				SqrtPriceX96: ev.SqrtPriceX96,
				Tick:         ev.Tick,
			})
		},

		OnCreated: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			p, err := db.PositionByNFT(ctx, ev.ChainID, ev.NFTID)
			if err != nil {
				return fmt.Errorf("pool-prices: position %s: %w", ev.NFTID, err)
			}
			return w.EnsureMember(ctx, ev.ChainID, subbatch.Member{
				Key:     subbatch.AddressKey(p.PoolAddress),
				Address: p.PoolAddress,
			})
		},
		OnClosed: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			return removePoolIfUnreferenced(ctx, db, w, ev)
		},
		OnDeleted: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			return removePoolIfUnreferenced(ctx, db, w, ev)
		},

		Cleanup: func(ctx context.Context, w *StreamWorker) error {
			return cleanupUnreferencedPools(ctx, db, w)
		},

		MaxPerBatch:       tuning.MaxPerBatch,
		CatchUpEnabled:    tuning.CatchUpEnabled,
		CatchUpWindowSize: tuning.CatchUpWindowSize,
		HeartbeatInterval: tuning.HeartbeatInterval,
		CleanupInterval:   tuning.CleanupInterval,
	}

	return NewStreamWorker(cfg, providers, bus, backend, log)
}

func swapFilterSpec() subbatch.FilterSpec {
	return subbatch.FilterSpec{
		Topics: []common.Hash{univ3.TopicSwap},
		Mode:   subbatch.KeyByAddress,
	}
}

func makeSwapEnvelope(source string, chainID chains.ID, lg types.Log) (string, eventbus.Envelope, bool, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != univ3.TopicSwap {
		return "", eventbus.Envelope{}, false, nil
	}
	payload, err := encodeLogPayload(lg)
	if err != nil {
		return "", eventbus.Envelope{}, false, err
	}

	idx := lg.Index
	env := eventbus.Envelope{
		Type:            "pool.price.updated",
		ChainID:         chainID,
		EntityID:        subbatch.AddressKey(lg.Address),
		EntityType:      eventbus.EntityTypePool,
		Payload:         payload,
		Source:          source,
		ReceivedAt:      time.Now().UTC(),
		BlockNumber:     fmt.Sprintf("%d", lg.BlockNumber),
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        &idx,
	}
	return eventbus.SwapKey(chainID, lg.Address), env, true, nil
}

// removePoolIfUnreferenced drops the closed position's pool subscription
// only when no other active position still uses that pool.
func removePoolIfUnreferenced(ctx context.Context, db store.Store, w *StreamWorker, ev eventbus.PositionEvent) error {
	p, err := db.PositionByNFT(ctx, ev.ChainID, ev.NFTID)
	if err != nil {
		// unknown position, nothing to unsubscribe
		return nil
	}
	remaining, err := db.ActivePositionsForPool(ctx, ev.ChainID, p.PoolAddress)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		w.RemoveMember(ev.ChainID, subbatch.AddressKey(p.PoolAddress))
	}
	return nil
}

func cleanupUnreferencedPools(ctx context.Context, db store.Store, w *StreamWorker) error {
	for _, chainID := range w.providers.ChainIDs() {
		for _, m := range w.Members(chainID) {
			remaining, err := db.ActivePositionsForPool(ctx, chainID, m.Address)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				w.RemoveMember(chainID, m.Key)
			}
		}
	}
	return nil
}
