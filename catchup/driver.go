package catchup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/subbatch"
)

// Driver runs the two catch-up phases around the finalized block boundary.
//
// The non-finalized phase covers (F, head] and must complete before the
// streaming buffer is flushed; it never touches the last-block marker since
// that range can still reorg. The finalized phase covers
// [max(cached, deployment), F] in the background and advances the marker to
// F only when every window succeeded.
type Driver struct {
	provider chainrpc.Provider
	tracker  *blocktrack.Tracker
	scanner  *Scanner
	log      *slog.Logger
}

func NewDriver(provider chainrpc.Provider, tracker *blocktrack.Tracker, scanner *Scanner, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{provider: provider, tracker: tracker, scanner: scanner, log: log}
}

// Bounds resolves the current finalized block F and head C.
func (d *Driver) Bounds(ctx context.Context) (finalized, head uint64, err error) {
	head, err = d.provider.BlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("catchup: unable to fetch head: %w", err)
	}
	finalized, err = d.provider.FinalizedBlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("catchup: unable to fetch finalized block: %w", err)
	}
	if finalized > head {
		finalized = head
	}
	return finalized, head, nil
}

// RunNonFinalized scans (F, head]. Call it while the batches buffer, and
// flush only after it returns.
func (d *Driver) RunNonFinalized(ctx context.Context, filter subbatch.FilterSpec, members []subbatch.Member) (Result, error) {
	finalized, head, err := d.Bounds(ctx)
	if err != nil {
		return Result{}, err
	}
	if finalized >= head {
		return Result{FromBlock: head, ToBlock: head}, nil
	}

	r := d.scanner.Scan(ctx, finalized+1, head, filter, members)
	d.log.Info(fmt.Sprintf("catchup: chain %d non-finalized scan [%d, %d] found=%d published=%d",
		d.provider.ChainID(), r.FromBlock, r.ToBlock, r.EventsFound, r.EventsPublished))
	return r, nil
}

// RunFinalized scans [max(cached, deployment), F] and advances the marker
// to F when the scan fully succeeded. With no cached marker the scan starts
// at the deployment block.
func (d *Driver) RunFinalized(ctx context.Context, filter subbatch.FilterSpec, members []subbatch.Member, deployBlock uint64) (Result, error) {
	finalized, _, err := d.Bounds(ctx)
	if err != nil {
		return Result{}, err
	}

	from := deployBlock
	cached, ok, err := d.tracker.LastBlock(ctx, d.provider.ChainID())
	if err != nil {
		return Result{}, err
	}
	if ok && cached > from {
		from = cached
	}
	if from > finalized {
		return Result{FromBlock: from, ToBlock: finalized}, nil
	}

	r := d.scanner.Scan(ctx, from, finalized, filter, members)
	d.log.Info(fmt.Sprintf("catchup: chain %d finalized scan [%d, %d] found=%d published=%d",
		d.provider.ChainID(), r.FromBlock, r.ToBlock, r.EventsFound, r.EventsPublished))

	if r.Err != nil {
		d.log.Warn(fmt.Sprintf("catchup: chain %d finalized scan incomplete, marker stays at %d: %v",
			d.provider.ChainID(), cached, r.Err))
		return r, nil
	}
	if err := d.tracker.SetLastBlock(ctx, d.provider.ChainID(), finalized); err != nil {
		return r, err
	}
	return r, nil
}
