package subbatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/univ3"
)

type mockSub struct {
	once  sync.Once
	errCh chan error
}

func newMockSub() *mockSub { return &mockSub{errCh: make(chan error, 1)} }

func (s *mockSub) Unsubscribe() { s.once.Do(func() { close(s.errCh) }) }

func (s *mockSub) Err() <-chan error { return s.errCh }

func (s *mockSub) fail(err error) { s.errCh <- err }

type mockProvider struct {
	mu         sync.Mutex
	chainID    chains.ID
	subs       int
	failSubs   bool
	lastQuery  ethereum.FilterQuery
	currentSub *mockSub
	currentCh  chan<- types.Log
}

var _ chainrpc.Provider = (*mockProvider)(nil)

func (p *mockProvider) ChainID() chains.ID { return p.chainID }

func (p *mockProvider) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (p *mockProvider) FinalizedBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (p *mockProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (p *mockProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (p *mockProvider) Multicall(ctx context.Context, calls []chainrpc.Call) ([]chainrpc.Result, error) {
	return nil, nil
}

func (p *mockProvider) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs++
	if p.failSubs {
		return nil, errors.New("dial tcp: connection refused")
	}
	p.lastQuery = q
	p.currentSub = newMockSub()
	p.currentCh = ch
	return p.currentSub, nil
}

func (p *mockProvider) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs
}

func (p *mockProvider) emit(lg types.Log) {
	p.mu.Lock()
	ch := p.currentCh
	p.mu.Unlock()
	ch <- lg
}

func (p *mockProvider) query() ethereum.FilterQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastQuery
}

type captor struct {
	mu   sync.Mutex
	logs []types.Log
}

func (c *captor) publish(ctx context.Context, lg types.Log) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, lg)
	return nil
}

func (c *captor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.logs)
}

func (c *captor) at(i int) types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs[i]
}

func fastOpts() Options {
	return Options{
		MaxMembers:           1000,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
	}
}

func swapFilter() FilterSpec {
	return FilterSpec{
		Topics: []common.Hash{univ3.TopicSwap},
		Mode:   KeyByAddress,
	}
}

func liquidityFilter() FilterSpec {
	return FilterSpec{
		Topics:       []common.Hash{univ3.TopicIncreaseLiquidity, univ3.TopicDecreaseLiquidity, univ3.TopicCollect},
		Mode:         KeyByTopic,
		Contracts:    []common.Address{univ3.NFPMAddress},
		IDTopicIndex: 1,
	}
}

func swapLog(pool common.Address, blockNum uint64, txHash byte, idx uint) types.Log {
	return types.Log{
		Address:     pool,
		Topics:      []common.Hash{univ3.TopicSwap},
		BlockNumber: blockNum,
		TxHash:      common.Hash{txHash},
		Index:       idx,
	}
}

func liquidityLog(id int64, blockNum uint64, idx uint) types.Log {
	return types.Log{
		Address:     univ3.NFPMAddress,
		Topics:      []common.Hash{univ3.TopicIncreaseLiquidity, common.BigToHash(big.NewInt(id))},
		BlockNumber: blockNum,
		TxHash:      common.Hash{0xaa},
		Index:       idx,
	}
}

func TestCapacity(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}
	opts := fastOpts()
	opts.MaxMembers = 2
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), (&captor{}).publish, opts)

	a1 := common.HexToAddress("0x01")
	a2 := common.HexToAddress("0x02")
	a3 := common.HexToAddress("0x03")

	require.NoError(t, b.AddMember(Member{Key: AddressKey(a1), Address: a1}))
	require.NoError(t, b.AddMember(Member{Key: AddressKey(a2), Address: a2}))
	assert.False(t, b.HasCapacity())

	err := b.AddMember(Member{Key: AddressKey(a3), Address: a3})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// re-adding an existing key is not a capacity violation
	require.NoError(t, b.AddMember(Member{Key: AddressKey(a1), Address: a1}))
	assert.Equal(t, 2, b.MemberCount())
}

func TestStartStopLifecycle(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}
	sink := &captor{}
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), sink.publish, fastOpts())

	// empty batch parks idle, no subscription opened
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, Idle, b.State())
	assert.Equal(t, 0, provider.subscribeCount())

	pool := common.HexToAddress("0x8ad599C3A0ff1De082011EFDDc58f1908eb6e6D8")
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	assert.Equal(t, Connected, b.State())
	assert.Equal(t, []common.Address{pool}, provider.query().Addresses)

	require.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)

	// removing the last member stops the batch
	b.RemoveMember(AddressKey(pool))
	assert.Equal(t, Stopped, b.State())
	assert.False(t, b.HasMember(AddressKey(pool)))

	// adding a member again revives it
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	assert.Equal(t, Connected, b.State())

	b.Stop()
	assert.Equal(t, Stopped, b.State())
	b.Stop() // idempotent
}

func TestDispatchAndRemovedDrop(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}
	sink := &captor{}
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), sink.publish, fastOpts())
	defer b.Stop()

	pool := common.HexToAddress("0x01")
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	require.NoError(t, b.Start(context.Background()))

	var observed uint64
	var obsMu sync.Mutex
	b.SetBlockObserver(func(chainID chains.ID, blockNum uint64) {
		obsMu.Lock()
		observed = blockNum
		obsMu.Unlock()
	})

	provider.emit(swapLog(pool, 100, 0x01, 0))

	removed := swapLog(pool, 101, 0x02, 1)
	removed.Removed = true
	provider.emit(removed)

	provider.emit(swapLog(pool, 102, 0x03, 2))

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(100), sink.at(0).BlockNumber)
	assert.Equal(t, uint64(102), sink.at(1).BlockNumber)

	obsMu.Lock()
	assert.Equal(t, uint64(102), observed)
	obsMu.Unlock()

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.DroppedRemoved)
	assert.Equal(t, uint64(2), stats.Published)
}

func TestGlobalBuffering(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}
	sink := &captor{}
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), sink.publish, fastOpts())
	defer b.Stop()

	pool := common.HexToAddress("0x01")
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	require.NoError(t, b.Start(context.Background()))

	b.EnableBuffering()
	provider.emit(swapLog(pool, 100, 0x01, 0))
	provider.emit(swapLog(pool, 101, 0x02, 1))

	require.Eventually(t, func() bool { return b.Stats().BufferedEvents == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, sink.count())

	b.FlushBufferAndDisableBuffering(context.Background())
	require.Equal(t, 2, sink.count())
	assert.Equal(t, uint64(100), sink.at(0).BlockNumber)
	assert.Equal(t, uint64(101), sink.at(1).BlockNumber)

	// post-flush events publish directly
	provider.emit(swapLog(pool, 102, 0x03, 2))
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, time.Millisecond)
}

func TestFlushContinuesPastPublishFailure(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}

	var mu sync.Mutex
	var attempts []uint64
	publish := func(ctx context.Context, lg types.Log) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, lg.BlockNumber)
		if len(attempts) == 2 {
			return errors.New("channel/connection is not open")
		}
		return nil
	}

	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), publish, fastOpts())
	defer b.Stop()

	pool := common.HexToAddress("0x01")
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	require.NoError(t, b.Start(context.Background()))

	b.EnableBuffering()
	provider.emit(swapLog(pool, 100, 0x01, 0))
	provider.emit(swapLog(pool, 101, 0x02, 1))
	provider.emit(swapLog(pool, 102, 0x03, 2))
	require.Eventually(t, func() bool { return b.Stats().BufferedEvents == 3 }, time.Second, time.Millisecond)

	// the failed middle publish does not abort the drain
	b.FlushBufferAndDisableBuffering(context.Background())

	mu.Lock()
	assert.Equal(t, []uint64{100, 101, 102}, attempts)
	mu.Unlock()

	stats := b.Stats()
	assert.False(t, stats.Buffering)
	assert.Equal(t, 0, stats.BufferedEvents)

	// direct publishing resumes afterwards
	provider.emit(swapLog(pool, 103, 0x04, 3))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 4 && attempts[3] == 103
	}, time.Second, time.Millisecond)
}

func TestMemberBuffering(t *testing.T) {
	provider := &mockProvider{chainID: chains.Arbitrum}
	sink := &captor{}
	b := NewBatch(chains.Arbitrum, 0, provider, liquidityFilter(), sink.publish, fastOpts())
	defer b.Stop()

	require.NoError(t, b.AddMember(Member{Key: IDKey(big.NewInt(1)), ID: big.NewInt(1)}))
	require.NoError(t, b.AddMember(Member{Key: IDKey(big.NewInt(2)), ID: big.NewInt(2)}))
	require.NoError(t, b.Start(context.Background()))

	query := provider.query()
	assert.Equal(t, []common.Address{univ3.NFPMAddress}, query.Addresses)
	require.Len(t, query.Topics, 2)
	assert.Len(t, query.Topics[1], 2)

	b.EnableBufferingForMember("1")

	provider.emit(liquidityLog(1, 100, 0))
	provider.emit(liquidityLog(2, 100, 1))

	// member 2 keeps flowing while member 1 is held
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, common.BigToHash(big.NewInt(2)), sink.at(0).Topics[1])

	b.FlushMemberBufferAndDisableBuffering(context.Background(), "1")
	require.Equal(t, 2, sink.count())
	assert.Equal(t, common.BigToHash(big.NewInt(1)), sink.at(1).Topics[1])

	// flushing an unbuffered member is a no-op
	b.FlushMemberBufferAndDisableBuffering(context.Background(), "2")
	assert.Equal(t, 2, sink.count())
}

func TestReconnectOnStreamError(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}
	sink := &captor{}
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), sink.publish, fastOpts())
	defer b.Stop()

	pool := common.HexToAddress("0x01")
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, 1, provider.subscribeCount())

	provider.mu.Lock()
	sub := provider.currentSub
	provider.mu.Unlock()
	sub.fail(errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool {
		return provider.subscribeCount() == 2 && b.State() == Connected
	}, time.Second, time.Millisecond)

	// the new stream delivers again
	provider.emit(swapLog(pool, 200, 0x01, 0))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
}

func TestReconnectGivesUp(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum, failSubs: true}
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), (&captor{}).publish, fastOpts())

	pool := common.HexToAddress("0x01")
	require.NoError(t, b.AddMember(Member{Key: AddressKey(pool), Address: pool}))
	require.NoError(t, b.Start(context.Background()))

	require.Eventually(t, func() bool { return b.State() == Stopped }, time.Second, time.Millisecond)
	// initial attempt plus three retries
	assert.Equal(t, 4, provider.subscribeCount())
	assert.Contains(t, b.Stats().LastError, "max reconnect attempts")
}

func TestMembershipChangeReconnects(t *testing.T) {
	provider := &mockProvider{chainID: chains.Ethereum}
	sink := &captor{}
	b := NewBatch(chains.Ethereum, 0, provider, swapFilter(), sink.publish, fastOpts())
	defer b.Stop()

	a1 := common.HexToAddress("0x01")
	a2 := common.HexToAddress("0x02")

	require.NoError(t, b.AddMember(Member{Key: AddressKey(a1), Address: a1}))
	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, 1, provider.subscribeCount())

	require.NoError(t, b.AddMember(Member{Key: AddressKey(a2), Address: a2}))
	assert.Equal(t, 2, provider.subscribeCount())
	assert.Len(t, provider.query().Addresses, 2)

	b.RemoveMember(AddressKey(a1))
	assert.Equal(t, 3, provider.subscribeCount())
	assert.Equal(t, []common.Address{a2}, provider.query().Addresses)
}
