package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/catchup"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/subbatch"
)

// StreamConfig parametrises a streaming worker shell. Each concrete worker
// (position liquidity, pool prices, NFPM transfers, close orders,
// subscribers) supplies its filter, membership source and envelope
// builder; the shell owns the start sequence, the catch-up phases, the
// timers and the domain-event plumbing.
type StreamConfig struct {
	Name      string
	Subsystem string
	Exchange  string

	// Filter returns the chain's FilterSpec; ok=false skips the chain
	// (e.g. no closer deployment there).
	Filter func(ctx context.Context, chainID chains.ID) (subbatch.FilterSpec, bool, error)

	// LoadMembers lists the entities the worker should be subscribed to.
	LoadMembers func(ctx context.Context, chainID chains.ID) ([]subbatch.Member, error)

	// MakeEnvelope turns one log into its published form. Returning
	// ok=false drops the log silently (e.g. unrecognized topic). It must
	// not touch the store; side effects belong in OnLog.
	MakeEnvelope func(chainID chains.ID, lg types.Log) (routingKey string, env eventbus.Envelope, ok bool, err error)

	// OnLog runs on the publish path before the envelope is built, for
	// store side effects like refreshing the pool row. Errors are logged
	// and never block publication. May be nil.
	OnLog func(ctx context.Context, chainID chains.ID, lg types.Log) error

	// DeployBlock bounds the first finalized-phase scan per chain.
	DeployBlock func(ctx context.Context, chainID chains.ID) uint64

	// Domain-event hooks; a nil hook ignores that event. Deleted also
	// covers burned.
	OnCreated func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error
	OnClosed  func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error
	OnDeleted func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error

	// Cleanup runs every CleanupInterval to drop members whose entity is
	// no longer active. Poll runs every PollInterval to discover new
	// entities. Either may be nil.
	Cleanup         func(ctx context.Context, w *StreamWorker) error
	CleanupInterval time.Duration
	Poll            func(ctx context.Context, w *StreamWorker) error
	PollInterval    time.Duration

	MaxPerBatch       int
	CatchUpEnabled    bool
	CatchUpWindowSize uint64
	HeartbeatInterval time.Duration
}

// StreamWorker is the generic streaming worker shell.
type StreamWorker struct {
	cfg       StreamConfig
	providers *chainrpc.Providers
	bus       eventbus.Publisher
	tracker   *blocktrack.Tracker
	log       *slog.Logger

	mu      sync.Mutex
	sets    map[chains.ID]*batchSet
	filters map[chains.ID]subbatch.FilterSpec

	observed sync.Map // chains.ID -> *atomic.Uint64, highest streamed block

	running  atomic.Bool
	ctx      context.Context
	ctxStop  context.CancelFunc
	timersWg sync.WaitGroup
}

func NewStreamWorker(cfg StreamConfig, providers *chainrpc.Providers, bus eventbus.Publisher, backend blocktrack.Backend, log *slog.Logger) *StreamWorker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxPerBatch <= 0 {
		cfg.MaxPerBatch = subbatch.DefaultOptions.MaxMembers
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	return &StreamWorker{
		cfg:       cfg,
		providers: providers,
		bus:       bus,
		tracker:   blocktrack.New(backend, cfg.Subsystem, log),
		log:       log.With("worker", cfg.Name),
		sets:      map[chains.ID]*batchSet{},
		filters:   map[chains.ID]subbatch.FilterSpec{},
	}
}

func (w *StreamWorker) Name() string { return w.cfg.Name }

// Run executes the start sequence on every enabled chain in parallel and
// then blocks until ctx is cancelled:
//
//  1. load members from the store
//  2. partition into batches and enable buffering
//  3. start the stream subscriptions
//  4. run the non-finalized catch-up phase, blocking
//  5. flush buffers and resume direct publishing
//  6. start heartbeat and membership-sync timers
//  7. kick off the finalized catch-up phase in the background
func (w *StreamWorker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already running", w.cfg.Name)
	}
	defer w.running.Store(false)

	w.ctx, w.ctxStop = context.WithCancel(ctx)
	defer w.ctxStop()

	g, gctx := errgroup.WithContext(w.ctx)
	for _, chainID := range w.providers.ChainIDs() {
		g.Go(func() error {
			return w.startChain(gctx, chainID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.startTimers()

	<-w.ctx.Done()
	w.stopBatches()
	w.timersWg.Wait()
	return nil
}

func (w *StreamWorker) startChain(ctx context.Context, chainID chains.ID) error {
	filter, ok, err := w.cfg.Filter(ctx, chainID)
	if err != nil {
		return fmt.Errorf("%s: chain %d filter: %w", w.cfg.Name, chainID, err)
	}
	if !ok {
		return nil
	}

	members, err := w.cfg.LoadMembers(ctx, chainID)
	if err != nil {
		return fmt.Errorf("%s: chain %d members: %w", w.cfg.Name, chainID, err)
	}

	w.mu.Lock()
	w.filters[chainID] = filter
	set := w.ensureSetLocked(chainID, filter)
	if err := set.addAll(members); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("%s: chain %d: %w", w.cfg.Name, chainID, err)
	}
	batches := append([]*subbatch.Batch(nil), set.batches...)
	w.mu.Unlock()

	for _, b := range batches {
		b.SetBlockObserver(w.observeBlock)
		b.EnableBuffering()
		if err := b.Start(w.ctx); err != nil && !errors.Is(err, subbatch.ErrAlreadyStarted) {
			w.log.Warn(fmt.Sprintf("%s: chain %d batch %d start: %v", w.cfg.Name, chainID, b.BatchIndex(), err))
		}
	}

	if w.cfg.CatchUpEnabled && len(members) > 0 {
		driver := w.driver(chainID)
		if _, err := driver.RunNonFinalized(ctx, filter, members); err != nil {
			w.log.Warn(fmt.Sprintf("%s: chain %d non-finalized catch-up: %v", w.cfg.Name, chainID, err))
		}
	}

	for _, b := range batches {
		b.FlushBufferAndDisableBuffering(w.ctx)
	}

	if w.cfg.CatchUpEnabled && len(members) > 0 {
		deploy := uint64(0)
		if w.cfg.DeployBlock != nil {
			deploy = w.cfg.DeployBlock(ctx, chainID)
		}
		go func() {
			driver := w.driver(chainID)
			if _, err := driver.RunFinalized(w.ctx, filter, members, deploy); err != nil {
				w.log.Warn(fmt.Sprintf("%s: chain %d finalized catch-up: %v", w.cfg.Name, chainID, err))
			}
		}()
	}

	w.log.Info(fmt.Sprintf("%s: chain %d live with %d members", w.cfg.Name, chainID, len(members)))
	return nil
}

func (w *StreamWorker) ensureSetLocked(chainID chains.ID, filter subbatch.FilterSpec) *batchSet {
	set, ok := w.sets[chainID]
	if ok {
		return set
	}
	provider, _ := w.providers.Get(chainID)
	set = newBatchSet(chainID, func(index int) *subbatch.Batch {
		b := subbatch.NewBatch(chainID, index, provider, filter, w.publishFunc(chainID), subbatch.Options{
			Logger:     w.log,
			Label:      w.cfg.Name,
			MaxMembers: w.cfg.MaxPerBatch,
		})
		b.SetBlockObserver(w.observeBlock)
		return b
	})
	w.sets[chainID] = set
	return set
}

func (w *StreamWorker) driver(chainID chains.ID) *catchup.Driver {
	provider, _ := w.providers.Get(chainID)
	scanner := catchup.NewScanner(provider, w.publishFunc(chainID), catchup.Options{
		Logger:     w.log,
		WindowSize: w.cfg.CatchUpWindowSize,
	})
	return catchup.NewDriver(provider, w.tracker, scanner, w.log)
}

// publishFunc is the shared publish path for streamed and replayed logs.
func (w *StreamWorker) publishFunc(chainID chains.ID) subbatch.PublishFunc {
	return func(ctx context.Context, lg types.Log) error {
		if w.cfg.OnLog != nil {
			if err := w.cfg.OnLog(ctx, chainID, lg); err != nil {
				w.log.Warn(fmt.Sprintf("%s: log hook for tx %s idx %d: %v", w.cfg.Name, lg.TxHash.Hex(), lg.Index, err))
			}
		}
		key, env, ok, err := w.cfg.MakeEnvelope(chainID, lg)
		if err != nil {
			return fmt.Errorf("%s: envelope for tx %s idx %d: %w", w.cfg.Name, lg.TxHash.Hex(), lg.Index, err)
		}
		if !ok {
			return nil
		}
		body, err := env.Encode()
		if err != nil {
			return fmt.Errorf("%s: encode envelope: %w", w.cfg.Name, err)
		}
		return w.bus.Publish(ctx, w.cfg.Exchange, key, body)
	}
}

func (w *StreamWorker) observeBlock(chainID chains.ID, blockNum uint64) {
	v, _ := w.observed.LoadOrStore(chainID, &atomic.Uint64{})
	highest := v.(*atomic.Uint64)
	for {
		cur := highest.Load()
		if blockNum <= cur || highest.CompareAndSwap(cur, blockNum) {
			return
		}
	}
}

func (w *StreamWorker) startTimers() {
	w.runTimer(w.cfg.HeartbeatInterval, w.heartbeat)
	if w.cfg.Cleanup != nil && w.cfg.CleanupInterval > 0 {
		w.runTimer(w.cfg.CleanupInterval, func(ctx context.Context) error { return w.cfg.Cleanup(ctx, w) })
	}
	if w.cfg.Poll != nil && w.cfg.PollInterval > 0 {
		w.runTimer(w.cfg.PollInterval, func(ctx context.Context) error { return w.cfg.Poll(ctx, w) })
	}
}

func (w *StreamWorker) runTimer(interval time.Duration, fn func(ctx context.Context) error) {
	w.timersWg.Add(1)
	go func() {
		defer w.timersWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				if err := fn(w.ctx); err != nil {
					w.log.Warn(fmt.Sprintf("%s: timer: %v", w.cfg.Name, err))
				}
			}
		}
	}()
}

// heartbeat records the chain head per chain so a restart's catch-up range
// stays bounded even when no events flow.
func (w *StreamWorker) heartbeat(ctx context.Context) error {
	w.mu.Lock()
	chainIDs := make([]chains.ID, 0, len(w.sets))
	for chainID := range w.sets {
		chainIDs = append(chainIDs, chainID)
	}
	w.mu.Unlock()

	for _, chainID := range chainIDs {
		provider, ok := w.providers.Get(chainID)
		if !ok {
			continue
		}
		head, err := provider.BlockNumber(ctx)
		if err != nil {
			// fall back to the highest streamed block
			if v, ok := w.observed.Load(chainID); ok {
				head = v.(*atomic.Uint64).Load()
			}
			if head == 0 {
				continue
			}
		}
		if err := w.tracker.Heartbeat(ctx, chainID, head); err != nil {
			w.log.Warn(fmt.Sprintf("%s: chain %d heartbeat: %v", w.cfg.Name, chainID, err))
		}
	}
	return nil
}

func (w *StreamWorker) stopBatches() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, set := range w.sets {
		set.stopAll()
	}
}

func (w *StreamWorker) Stop() {
	if w.ctxStop != nil {
		w.ctxStop()
	}
}

func (w *StreamWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		Name:    w.cfg.Name,
		Running: w.running.Load(),
		Detail:  map[string]any{"subsystem": w.cfg.Subsystem},
	}
	for _, set := range w.sets {
		st.Batches = append(st.Batches, set.stats()...)
	}
	return st
}

// HandlePositionEvent dispatches a parsed position domain event to this
// worker's hooks. Deleted and burned both remove unconditionally.
func (w *StreamWorker) HandlePositionEvent(ctx context.Context, ev eventbus.PositionEvent) error {
	switch ev.Action {
	case eventbus.PositionCreated:
		if w.cfg.OnCreated != nil {
			return w.cfg.OnCreated(ctx, w, ev)
		}
	case eventbus.PositionClosed:
		if w.cfg.OnClosed != nil {
			return w.cfg.OnClosed(ctx, w, ev)
		}
	case eventbus.PositionBurned, eventbus.PositionDeleted:
		if w.cfg.OnDeleted != nil {
			return w.cfg.OnDeleted(ctx, w, ev)
		}
	}
	return nil
}

// EnsureMember idempotently subscribes one member at runtime: the member
// is added under per-member buffering, the gap since the finalized block
// is replayed for it alone, then its buffer is flushed. A second call for
// the same key is a no-op.
func (w *StreamWorker) EnsureMember(ctx context.Context, chainID chains.ID, m subbatch.Member) error {
	if _, ok := w.providers.Get(chainID); !ok {
		return nil
	}

	w.mu.Lock()
	filter, ok := w.filters[chainID]
	if !ok {
		f, enabled, err := w.cfg.Filter(ctx, chainID)
		if err != nil || !enabled {
			w.mu.Unlock()
			return err
		}
		filter = f
		w.filters[chainID] = filter
	}
	set := w.ensureSetLocked(chainID, filter)
	if set.hasMember(m.Key) {
		w.mu.Unlock()
		return nil
	}
	batch := set.findOrCreate()
	w.mu.Unlock()

	runCtx := w.ctx
	if runCtx == nil {
		runCtx = ctx
	}

	batch.EnableBufferingForMember(m.Key)
	if err := batch.AddMember(m); err != nil {
		batch.FlushMemberBufferAndDisableBuffering(ctx, m.Key)
		return err
	}
	if batch.State() == subbatch.Idle || batch.State() == subbatch.Stopped {
		if err := batch.Start(runCtx); err != nil && !errors.Is(err, subbatch.ErrAlreadyStarted) {
			w.log.Warn(fmt.Sprintf("%s: chain %d batch %d start: %v", w.cfg.Name, chainID, batch.BatchIndex(), err))
		}
	}

	if w.cfg.CatchUpEnabled {
		if _, err := w.driver(chainID).RunNonFinalized(ctx, filter, []subbatch.Member{m}); err != nil {
			w.log.Warn(fmt.Sprintf("%s: chain %d member %s catch-up: %v", w.cfg.Name, chainID, m.Key, err))
		}
	}
	batch.FlushMemberBufferAndDisableBuffering(ctx, m.Key)
	return nil
}

// RemoveMember drops a key from whichever batch holds it.
func (w *StreamWorker) RemoveMember(chainID chains.ID, key string) {
	w.mu.Lock()
	set, ok := w.sets[chainID]
	w.mu.Unlock()
	if ok {
		set.removeMember(key)
	}
}

// HasMember reports whether a key is currently subscribed on a chain.
func (w *StreamWorker) HasMember(chainID chains.ID, key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.sets[chainID]
	return ok && set.hasMember(key)
}

// Members lists current members on a chain.
func (w *StreamWorker) Members(chainID chains.ID) []subbatch.Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.sets[chainID]
	if !ok {
		return nil
	}
	return set.members()
}
