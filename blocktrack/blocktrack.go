// Package blocktrack persists the highest block number whose effects have
// been durably published, per chain and subsystem. The marker bounds the
// restart catch-up range, so it must never regress and must only advance
// once publication is known to have succeeded.
package blocktrack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	cachestore "github.com/goware/cachestore2"

	"github.com/meridianfi/chainfeed/chains"
)

// TTL keeps records around for a year; an idle chain's marker should
// survive any realistic downtime.
const TTL = 365 * 24 * time.Hour

// Backend is the cache backend trackers are opened over (redis in
// deployments, memory in tests).
type Backend = cachestore.Backend

// Record is the cached value, JSON-encoded. BlockNumber is a decimal
// string per the wire-format rules.
type Record struct {
	BlockNumber string    `json:"blockNumber"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Tracker struct {
	cache     cachestore.Store[[]byte]
	subsystem string
	log       *slog.Logger

	// writeMu serialises the read-compare-write in SetLastBlock so
	// concurrent writers cannot interleave and regress the marker.
	writeMu sync.Mutex
}

// New opens a tracker over the given cache backend for one subsystem
// (e.g. "position-liquidity", "pool-prices").
func New(backend cachestore.Backend, subsystem string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cache:     cachestore.OpenStore[[]byte](backend, cachestore.WithDefaultKeyExpiry(TTL)),
		subsystem: subsystem,
		log:       log,
	}
}

func (t *Tracker) key(chainID chains.ID) string {
	return fmt.Sprintf("onchain-data:%s:last-block:%d", t.subsystem, chainID)
}

// LastBlock returns the stored marker for the chain, ok=false when no
// marker exists yet.
func (t *Tracker) LastBlock(ctx context.Context, chainID chains.ID) (uint64, bool, error) {
	data, ok, err := t.cache.Get(ctx, t.key(chainID))
	if err != nil {
		return 0, false, fmt.Errorf("blocktrack: unable to read %s: %w", t.key(chainID), err)
	}
	if !ok || len(data) == 0 {
		return 0, false, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("blocktrack: corrupt record at %s: %w", t.key(chainID), err)
	}
	blockNum, err := strconv.ParseUint(rec.BlockNumber, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("blocktrack: corrupt block number at %s: %w", t.key(chainID), err)
	}
	return blockNum, true, nil
}

// SetLastBlock advances the marker. Writes that would move it backwards
// are skipped silently; the finalized-phase scanner and the heartbeat both
// write and only the highest value survives.
func (t *Tracker) SetLastBlock(ctx context.Context, chainID chains.ID, blockNum uint64) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	stored, ok, err := t.LastBlock(ctx, chainID)
	if err != nil {
		return err
	}
	if ok && stored >= blockNum {
		return nil
	}

	rec := Record{
		BlockNumber: strconv.FormatUint(blockNum, 10),
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("blocktrack: unable to encode record: %w", err)
	}
	if err := t.cache.SetEx(ctx, t.key(chainID), data, TTL); err != nil {
		return fmt.Errorf("blocktrack: unable to write %s: %w", t.key(chainID), err)
	}
	return nil
}

// Heartbeat records the current head during idle periods so a restart
// does not rescan from the last event. Same monotonic rule as
// SetLastBlock.
func (t *Tracker) Heartbeat(ctx context.Context, chainID chains.ID, head uint64) error {
	return t.SetLastBlock(ctx, chainID, head)
}

// Subsystem returns the tracker's subsystem label, used in worker status
// reports.
func (t *Tracker) Subsystem() string {
	return t.subsystem
}
