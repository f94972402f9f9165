// Package subbatch multiplexes up to MaxMembers filtered event
// subscriptions onto one live streaming connection per chain. A batch owns
// its member set, its buffering state and its reconnect policy; the parent
// worker owns the batch.
package subbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goware/calc"
	"github.com/goware/channel"
	"github.com/goware/logger"
	"github.com/goware/superr"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
)

var (
	ErrCapacityExceeded = errors.New("subbatch: batch capacity exceeded")
	ErrAlreadyStarted   = errors.New("subbatch: already started")
	ErrMaxReconnects    = errors.New("subbatch: max reconnect attempts reached")
)

// ConnState is the batch connection lifecycle.
type ConnState int32

const (
	Idle ConnState = iota
	Connecting
	Connected
	Reconnecting
	Stopped
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// KeyMode selects how a member key is derived from a log.
type KeyMode int

const (
	// KeyByAddress keys members by the emitting contract address
	// (pool batches, wallet batches).
	KeyByAddress KeyMode = iota

	// KeyByTopic keys members by an indexed topic (NFT id batches); the
	// emitting contracts are fixed per chain.
	KeyByTopic
)

// FilterSpec describes the fixed event set a batch subscribes to and how
// member keys map into the eth_subscribe filter.
type FilterSpec struct {
	// Topics is the topic0 union of the event signatures.
	Topics []common.Hash

	Mode KeyMode

	// Contracts are the fixed emitting contracts, KeyByTopic mode only.
	Contracts []common.Address

	// IDTopicIndex is the indexed-topic position carrying the member id,
	// KeyByTopic mode only (1 for NFPM liquidity events, 3 for ERC-721
	// transfers).
	IDTopicIndex int
}

// Member is one filtered entity within a batch.
type Member struct {
	Key     string
	Address common.Address // KeyByAddress mode
	ID      *big.Int       // KeyByTopic mode
	Meta    any
}

// AddressKey normalizes an address into its member key form.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// IDKey normalizes an NFT id into its member key form.
func IDKey(id *big.Int) string {
	return id.String()
}

// PublishFunc delivers one log downstream. The worker supplies it and owns
// envelope construction and routing. Failures are logged by the batch and
// never abort operation.
type PublishFunc func(ctx context.Context, log types.Log) error

// BlockObserver receives observed block numbers, best-effort. Keep it
// cheap; it runs on the dispatch path.
type BlockObserver func(chainID chains.ID, blockNumber uint64)

type Options struct {
	Logger *slog.Logger
	Label  string

	// MaxMembers caps the member set, which must stay at or below the
	// provider's filter cardinality cap.
	MaxMembers int

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
}

var DefaultOptions = Options{
	MaxMembers:           1000,
	MaxReconnectAttempts: 10,
	ReconnectBaseDelay:   1 * time.Second,
}

// maxReconnectDelay caps the linear backoff between attempts.
const maxReconnectDelay = 30 * time.Second

// Batch is a single subscription batch. All operations on one batch are
// serialised by its mutex; batches on different chains run in parallel.
type Batch struct {
	chainID    chains.ID
	batchIndex int
	provider   chainrpc.Provider
	filter     FilterSpec
	publish    PublishFunc
	opts       Options
	log        *slog.Logger

	// chlog feeds goware/channel, which takes a logger.Logger rather than
	// a *slog.Logger. It only ever reports buffer overflow warnings.
	chlog logger.Logger

	mu      sync.Mutex
	members map[string]Member
	state   ConnState
	lastErr error

	// buffering state
	buffering        bool
	globalBuf        []types.Log
	bufferingMembers map[string][]types.Log

	blockObserver BlockObserver

	reconnectAttempts int

	// gen identifies the active stream; callbacks from torn-down streams
	// compare against it and bail.
	gen     uint64
	sub     ethereum.Subscription
	pipe    channel.Channel[types.Log]
	runCtx  context.Context
	stopped bool

	// stats
	publishedCount uint64
	droppedRemoved uint64
}

// Stats is a point-in-time snapshot used in worker status reports.
type Stats struct {
	ChainID           chains.ID `json:"chainId"`
	BatchIndex        int       `json:"batchIndex"`
	State             string    `json:"state"`
	Members           int       `json:"members"`
	Buffering         bool      `json:"buffering"`
	BufferedEvents    int       `json:"bufferedEvents"`
	BufferingMembers  int       `json:"bufferingMembers"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	Published         uint64    `json:"published"`
	DroppedRemoved    uint64    `json:"droppedRemoved"`
	LastError         string    `json:"lastError,omitempty"`
}

func NewBatch(chainID chains.ID, batchIndex int, provider chainrpc.Provider, filter FilterSpec, publish PublishFunc, opts ...Options) *Batch {
	o := DefaultOptions
	if len(opts) > 0 {
		o = opts[0]
		if o.MaxMembers <= 0 {
			o.MaxMembers = DefaultOptions.MaxMembers
		}
		if o.MaxReconnectAttempts <= 0 {
			o.MaxReconnectAttempts = DefaultOptions.MaxReconnectAttempts
		}
		if o.ReconnectBaseDelay <= 0 {
			o.ReconnectBaseDelay = DefaultOptions.ReconnectBaseDelay
		}
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Batch{
		chainID:          chainID,
		batchIndex:       batchIndex,
		provider:         provider,
		filter:           filter,
		publish:          publish,
		opts:             o,
		log:              log,
		chlog:            logger.NewLogger(logger.LogLevel_WARN),
		members:          map[string]Member{},
		bufferingMembers: map[string][]types.Log{},
		state:            Idle,
	}
}

func (b *Batch) ChainID() chains.ID { return b.chainID }
func (b *Batch) BatchIndex() int    { return b.batchIndex }

// Start opens the stream subscription filtered by the current members.
// Starting an already-connected batch is an error; a stopped batch may be
// started again.
func (b *Batch) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Connected || b.state == Connecting {
		return ErrAlreadyStarted
	}
	b.runCtx = ctx
	b.stopped = false
	b.reconnectAttempts = 0
	return b.connectLocked()
}

// Stop cancels the stream and releases the endpoint. Idempotent.
func (b *Batch) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Batch) stopLocked() {
	b.stopped = true
	b.teardownLocked()
	b.state = Stopped
}

func (b *Batch) teardownLocked() {
	b.gen++
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.pipe != nil {
		b.pipe.Close()
		b.pipe.Flush()
		b.pipe = nil
	}
}

// connectLocked builds the filter query and opens the subscription. With
// no members there is nothing to subscribe to and the batch parks in Idle.
func (b *Batch) connectLocked() error {
	if len(b.members) == 0 {
		b.state = Idle
		return nil
	}
	if b.runCtx == nil {
		// not started yet; membership mutations before Start are fine
		return nil
	}

	b.state = Connecting

	query := b.buildQueryLocked()
	ch := make(chan types.Log, 128)
	sub, err := b.provider.SubscribeFilterLogs(b.runCtx, query, ch)
	if err != nil {
		b.lastErr = err
		return b.scheduleReconnectLocked(err)
	}

	b.sub = sub
	b.pipe = channel.NewUnboundedChan[types.Log](100, 10_000, channel.Options{
		Logger: b.chlog,
		Label:  fmt.Sprintf("%s/%d/%d", b.opts.Label, b.chainID, b.batchIndex),
	})
	b.state = Connected
	b.reconnectAttempts = 0
	gen := b.gen
	pipe := b.pipe
	runCtx := b.runCtx

	// reader: drain the subscription into the unbounded pipe so slow
	// publishes never stall the websocket dispatcher
	go func() {
		defer func() {
			pipe.Close()
			pipe.Flush()
		}()
		for {
			select {
			case <-runCtx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				if err != nil {
					b.onStreamError(gen, err)
				}
				return
			case lg := <-ch:
				pipe.Send(lg)
			}
		}
	}()

	// dispatcher: serialised log handling
	go func() {
		for lg := range pipe.ReadChannel() {
			b.handleLog(runCtx, gen, lg)
		}
	}()

	b.log.Debug(fmt.Sprintf("subbatch: chain %d batch %d connected with %d members", b.chainID, b.batchIndex, len(b.members)))
	return nil
}

func (b *Batch) buildQueryLocked() ethereum.FilterQuery {
	switch b.filter.Mode {
	case KeyByTopic:
		topics := make([][]common.Hash, b.filter.IDTopicIndex+1)
		topics[0] = b.filter.Topics
		ids := make([]common.Hash, 0, len(b.members))
		for _, m := range b.members {
			ids = append(ids, common.BigToHash(m.ID))
		}
		topics[b.filter.IDTopicIndex] = ids
		return ethereum.FilterQuery{
			Addresses: b.filter.Contracts,
			Topics:    topics,
		}
	default:
		addrs := make([]common.Address, 0, len(b.members))
		for _, m := range b.members {
			addrs = append(addrs, m.Address)
		}
		return ethereum.FilterQuery{
			Addresses: addrs,
			Topics:    [][]common.Hash{b.filter.Topics},
		}
	}
}

// onStreamError handles a dropped stream: linear backoff reconnect,
// bounded by MaxReconnectAttempts.
func (b *Batch) onStreamError(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen || b.stopped {
		// a stale stream's error, already superseded
		return
	}
	b.lastErr = err
	b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d stream error: %v", b.chainID, b.batchIndex, err))
	b.teardownLocked()
	_ = b.scheduleReconnectLocked(err)
}

func (b *Batch) scheduleReconnectLocked(cause error) error {
	b.reconnectAttempts++
	if b.reconnectAttempts > b.opts.MaxReconnectAttempts {
		b.log.Error(fmt.Sprintf("subbatch: chain %d batch %d giving up after %d reconnect attempts: %v",
			b.chainID, b.batchIndex, b.opts.MaxReconnectAttempts, cause))
		b.lastErr = superr.New(ErrMaxReconnects, cause)
		b.state = Stopped
		return b.lastErr
	}

	b.state = Reconnecting
	attempt := b.reconnectAttempts
	delay := calc.Min(time.Duration(attempt)*b.opts.ReconnectBaseDelay, maxReconnectDelay)
	runCtx := b.runCtx
	b.log.Info(fmt.Sprintf("subbatch: chain %d batch %d reconnecting in %s (attempt %d/%d)",
		b.chainID, b.batchIndex, delay, attempt, b.opts.MaxReconnectAttempts))

	go func() {
		select {
		case <-time.After(delay):
		case <-runCtx.Done():
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.stopped || b.state != Reconnecting {
			return
		}
		_ = b.connectLocked()
	}()
	return nil
}

// reconnectLocked is the intentional path used after membership changes:
// no backoff, attempts reset.
func (b *Batch) reconnectLocked() {
	if b.stopped || b.runCtx == nil {
		return
	}
	b.teardownLocked()
	b.reconnectAttempts = 0
	if err := b.connectLocked(); err != nil {
		b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d reconnect after membership change failed: %v", b.chainID, b.batchIndex, err))
	}
}

// handleLog is the single dispatch point for streamed logs.
func (b *Batch) handleLog(ctx context.Context, gen uint64, lg types.Log) {
	b.mu.Lock()

	if gen != b.gen {
		b.mu.Unlock()
		return
	}

	// reorg removals are dropped before anything else sees them
	if lg.Removed {
		b.droppedRemoved++
		b.mu.Unlock()
		return
	}

	if b.blockObserver != nil && lg.BlockNumber > 0 {
		b.blockObserver(b.chainID, lg.BlockNumber)
	}

	key, ok := b.memberKeyForLog(lg)
	if !ok {
		b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d log without member key, tx %s idx %d",
			b.chainID, b.batchIndex, lg.TxHash.Hex(), lg.Index))
		b.mu.Unlock()
		return
	}

	if b.buffering {
		b.globalBuf = append(b.globalBuf, lg)
		b.mu.Unlock()
		return
	}
	if queue, ok := b.bufferingMembers[key]; ok {
		b.bufferingMembers[key] = append(queue, lg)
		b.mu.Unlock()
		return
	}

	b.publishedCount++
	b.mu.Unlock()

	if err := b.publish(ctx, lg); err != nil {
		b.log.Warn(fmt.Sprintf("subbatch: chain %d batch %d publish failed for tx %s idx %d: %v",
			b.chainID, b.batchIndex, lg.TxHash.Hex(), lg.Index, err))
	}
}

func (b *Batch) memberKeyForLog(lg types.Log) (string, bool) {
	switch b.filter.Mode {
	case KeyByTopic:
		if len(lg.Topics) <= b.filter.IDTopicIndex {
			return "", false
		}
		return new(big.Int).SetBytes(lg.Topics[b.filter.IDTopicIndex].Bytes()).String(), true
	default:
		return AddressKey(lg.Address), true
	}
}
