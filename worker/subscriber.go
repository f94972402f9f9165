package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/store"
	"github.com/meridianfi/chainfeed/subbatch"
)

// NewSubscriberWorker streams Swap events for pools kept alive by
// poll-driven subscriber rows. Rows whose consumer stopped polling are
// paused and their pool unsubscribed; paused rows past the prune threshold
// are deleted. Newly re-polled or created rows are discovered on a short
// poll cadence and idempotently re-subscribed.
func NewSubscriberWorker(db store.Store, providers *chainrpc.Providers, bus eventbus.Publisher, backend blocktrack.Backend, tuning Tuning, log *slog.Logger) *StreamWorker {
	cfg := StreamConfig{
		Name:      "pool-subscribers",
		Subsystem: "pool-subscribers",
		Exchange:  eventbus.ExchangePoolPrices,

		Filter: func(ctx context.Context, chainID chains.ID) (subbatch.FilterSpec, bool, error) {
			return swapFilterSpec(), true, nil
		},

		LoadMembers: func(ctx context.Context, chainID chains.ID) ([]subbatch.Member, error) {
			rows, err := db.ActiveSubscribers(ctx)
			if err != nil {
				return nil, err
			}
			seen := map[string]struct{}{}
			var members []subbatch.Member
			for _, row := range rows {
				if row.ChainID != chainID {
					continue
				}
				key := subbatch.AddressKey(row.PoolAddress)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				members = append(members, subbatch.Member{Key: key, Address: row.PoolAddress})
			}
			return members, nil
		},

		MakeEnvelope: func(chainID chains.ID, lg types.Log) (string, eventbus.Envelope, bool, error) {
			return makeSwapEnvelope("pool-subscribers", chainID, lg)
		},

		Cleanup: func(ctx context.Context, w *StreamWorker) error {
			return reconcileSubscribers(ctx, db, w, tuning.StaleThreshold, tuning.PruneThreshold)
		},
		Poll: func(ctx context.Context, w *StreamWorker) error {
			return discoverSubscribers(ctx, db, w)
		},

		MaxPerBatch:       tuning.MaxPerBatch,
		CatchUpEnabled:    tuning.CatchUpEnabled,
		CatchUpWindowSize: tuning.CatchUpWindowSize,
		HeartbeatInterval: tuning.HeartbeatInterval,
		CleanupInterval:   tuning.CleanupInterval,
		PollInterval:      tuning.PollInterval,
	}
	return NewStreamWorker(cfg, providers, bus, backend, log)
}

// reconcileSubscribers pauses stale rows, unsubscribes pools no active row
// references, and prunes paused rows past the threshold. staleThreshold is
// the global bound for rows without their own expiry.
func reconcileSubscribers(ctx context.Context, db store.Store, w *StreamWorker, staleThreshold, pruneThreshold time.Duration) error {
	now := time.Now().UTC()

	active, err := db.ActiveSubscribers(ctx)
	if err != nil {
		return err
	}

	// pause rows whose consumer stopped polling
	for _, row := range active {
		if row.Stale(now, staleThreshold) {
			if err := db.PauseSubscriber(ctx, row.ID, now); err != nil {
				w.log.Warn(fmt.Sprintf("pool-subscribers: pause %s: %v", row.ID, err))
			}
		}
	}

	// rebuild the wanted set from rows still active after pausing
	active, err = db.ActiveSubscribers(ctx)
	if err != nil {
		return err
	}
	wanted := map[chains.ID]map[string]struct{}{}
	for _, row := range active {
		keys, ok := wanted[row.ChainID]
		if !ok {
			keys = map[string]struct{}{}
			wanted[row.ChainID] = keys
		}
		keys[subbatch.AddressKey(row.PoolAddress)] = struct{}{}
	}
	for _, chainID := range w.providers.ChainIDs() {
		for _, m := range w.Members(chainID) {
			if _, ok := wanted[chainID][m.Key]; !ok {
				w.RemoveMember(chainID, m.Key)
			}
		}
	}

	// prune long-paused rows
	paused, err := db.PausedSubscribers(ctx)
	if err != nil {
		return err
	}
	for _, row := range paused {
		if row.Prunable(now, pruneThreshold) {
			if err := db.DeleteSubscriber(ctx, row.ID); err != nil {
				w.log.Warn(fmt.Sprintf("pool-subscribers: prune %s: %v", row.ID, err))
			}
		}
	}
	return nil
}

// discoverSubscribers subscribes pools for active rows not yet tracked.
func discoverSubscribers(ctx context.Context, db store.Store, w *StreamWorker) error {
	rows, err := db.ActiveSubscribers(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, ok := w.providers.Get(row.ChainID); !ok {
			continue
		}
		key := subbatch.AddressKey(row.PoolAddress)
		if w.HasMember(row.ChainID, key) {
			continue
		}
		if err := w.EnsureMember(ctx, row.ChainID, subbatch.Member{Key: key, Address: row.PoolAddress}); err != nil {
			w.log.Warn(fmt.Sprintf("pool-subscribers: subscribe %s on chain %d: %v", key, row.ChainID, err))
		}
	}
	return nil
}
