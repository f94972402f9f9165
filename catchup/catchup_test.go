package catchup

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	memcache "github.com/goware/cachestore-mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/subbatch"
	"github.com/meridianfi/chainfeed/univ3"
)

type fakeProvider struct {
	mu         sync.Mutex
	chainID    chains.ID
	head       uint64
	finalized  uint64
	queries    []ethereum.FilterQuery
	filterLogs func(q ethereum.FilterQuery) ([]types.Log, error)
}

var _ chainrpc.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) ChainID() chains.ID { return p.chainID }

func (p *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) { return p.head, nil }

func (p *fakeProvider) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	return p.finalized, nil
}

func (p *fakeProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	p.mu.Lock()
	p.queries = append(p.queries, q)
	p.mu.Unlock()
	if p.filterLogs == nil {
		return nil, nil
	}
	return p.filterLogs(q)
}

func (p *fakeProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (p *fakeProvider) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not streaming")
}

func (p *fakeProvider) Multicall(ctx context.Context, calls []chainrpc.Call) ([]chainrpc.Result, error) {
	return nil, nil
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

func swapFilter() subbatch.FilterSpec {
	return subbatch.FilterSpec{Topics: []common.Hash{univ3.TopicSwap}, Mode: subbatch.KeyByAddress}
}

func poolMember(addr common.Address) subbatch.Member {
	return subbatch.Member{Key: subbatch.AddressKey(addr), Address: addr}
}

func rangeOf(q ethereum.FilterQuery) (uint64, uint64) {
	return q.FromBlock.Uint64(), q.ToBlock.Uint64()
}

func TestScanOrderingAndDedupe(t *testing.T) {
	pool := common.HexToAddress("0x01")
	provider := &fakeProvider{chainID: chains.Ethereum}

	// one window returning out-of-order logs, a duplicate and a reorg drop
	provider.filterLogs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		removed := types.Log{Address: pool, BlockNumber: 12, TxHash: common.Hash{4}, Index: 0, Removed: true}
		return []types.Log{
			{Address: pool, BlockNumber: 11, TxHash: common.Hash{2}, Index: 3},
			{Address: pool, BlockNumber: 10, TxHash: common.Hash{1}, Index: 7},
			{Address: pool, BlockNumber: 11, TxHash: common.Hash{2}, Index: 3}, // dup
			{Address: pool, BlockNumber: 10, TxHash: common.Hash{1}, Index: 2},
			removed,
		}, nil
	}

	sink := &captor{}
	s := NewScanner(provider, sink.publish)
	r := s.Scan(context.Background(), 10, 12, swapFilter(), []subbatch.Member{poolMember(pool)})

	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.EventsFound)
	assert.Equal(t, 3, r.EventsPublished)

	require.Len(t, sink.logs, 3)
	assert.Equal(t, uint64(10), sink.logs[0].BlockNumber)
	assert.Equal(t, uint(2), sink.logs[0].Index)
	assert.Equal(t, uint64(10), sink.logs[1].BlockNumber)
	assert.Equal(t, uint(7), sink.logs[1].Index)
	assert.Equal(t, uint64(11), sink.logs[2].BlockNumber)
}

func TestScanWindows(t *testing.T) {
	pool := common.HexToAddress("0x01")
	provider := &fakeProvider{chainID: chains.Ethereum}

	sink := &captor{}
	s := NewScanner(provider, sink.publish, Options{WindowSize: 10})
	r := s.Scan(context.Background(), 0, 25, swapFilter(), []subbatch.Member{poolMember(pool)})
	require.NoError(t, r.Err)

	require.Len(t, provider.queries, 3)
	from, to := rangeOf(provider.queries[0])
	assert.Equal(t, [2]uint64{0, 9}, [2]uint64{from, to})
	from, to = rangeOf(provider.queries[1])
	assert.Equal(t, [2]uint64{10, 19}, [2]uint64{from, to})
	from, to = rangeOf(provider.queries[2])
	assert.Equal(t, [2]uint64{20, 25}, [2]uint64{from, to})
}

func TestScanWindowErrorContinues(t *testing.T) {
	pool := common.HexToAddress("0x01")
	provider := &fakeProvider{chainID: chains.Ethereum}
	boom := errors.New("provider: query timeout")

	provider.filterLogs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		from := q.FromBlock.Uint64()
		if from == 10 {
			return nil, boom
		}
		return []types.Log{{Address: pool, BlockNumber: from, TxHash: common.BigToHash(q.FromBlock), Index: 0}}, nil
	}

	sink := &captor{}
	s := NewScanner(provider, sink.publish, Options{WindowSize: 10})
	r := s.Scan(context.Background(), 0, 29, swapFilter(), []subbatch.Member{poolMember(pool)})

	assert.ErrorIs(t, r.Err, boom)
	assert.Equal(t, 2, r.EventsPublished)
	require.Len(t, sink.logs, 2)
	assert.Equal(t, uint64(0), sink.logs[0].BlockNumber)
	assert.Equal(t, uint64(20), sink.logs[1].BlockNumber)
}

func TestScanPublishFailureReported(t *testing.T) {
	pool := common.HexToAddress("0x01")
	provider := &fakeProvider{chainID: chains.Ethereum}
	provider.filterLogs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{
			{Address: pool, BlockNumber: 10, TxHash: common.Hash{1}, Index: 0},
			{Address: pool, BlockNumber: 11, TxHash: common.Hash{2}, Index: 0},
		}, nil
	}

	boom := errors.New("eventbus: not connected")
	calls := 0
	publish := func(ctx context.Context, lg types.Log) error {
		calls++
		if lg.BlockNumber == 10 {
			return boom
		}
		return nil
	}

	s := NewScanner(provider, publish)
	r := s.Scan(context.Background(), 10, 11, swapFilter(), []subbatch.Member{poolMember(pool)})

	// the failed publish is surfaced; the scan still attempts the rest
	assert.ErrorIs(t, r.Err, boom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, r.EventsFound)
	assert.Equal(t, 1, r.EventsPublished)
}

func TestScanIDTopicFilter(t *testing.T) {
	provider := &fakeProvider{chainID: chains.Arbitrum}
	sink := &captor{}
	s := NewScanner(provider, sink.publish)

	filter := subbatch.FilterSpec{
		Topics:       []common.Hash{univ3.TopicIncreaseLiquidity, univ3.TopicDecreaseLiquidity},
		Mode:         subbatch.KeyByTopic,
		Contracts:    []common.Address{univ3.NFPMAddress},
		IDTopicIndex: 1,
	}
	members := []subbatch.Member{
		{Key: "42", ID: big.NewInt(42)},
		{Key: "99", ID: big.NewInt(99)},
	}

	r := s.Scan(context.Background(), 100, 200, filter, members)
	require.NoError(t, r.Err)

	require.Len(t, provider.queries, 1)
	q := provider.queries[0]
	assert.Equal(t, []common.Address{univ3.NFPMAddress}, q.Addresses)
	require.Len(t, q.Topics, 2)
	assert.Equal(t, filter.Topics, q.Topics[0])
	assert.ElementsMatch(t, []common.Hash{common.BigToHash(big.NewInt(42)), common.BigToHash(big.NewInt(99))}, q.Topics[1])
}

func TestChunking(t *testing.T) {
	addrs := make([]common.Address, 1500)
	chunks := chunkAddresses(addrs, 1000)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[1], 500)

	hashes := make([]common.Hash, 1000)
	require.Len(t, chunkHashes(hashes, 1000), 1)
	assert.Empty(t, chunkAddresses(nil, 1000))
}

func newTestDriver(t *testing.T, provider *fakeProvider, sink *captor) (*Driver, *blocktrack.Tracker) {
	t.Helper()
	backend, err := memcache.NewBackend(512)
	require.NoError(t, err)
	tracker := blocktrack.New(backend, "position-liquidity", nil)
	return NewDriver(provider, tracker, NewScanner(provider, sink.publish), nil), tracker
}

func TestDriverNonFinalized(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{chainID: chains.Ethereum, head: 210, finalized: 200}
	sink := &captor{}
	d, tracker := newTestDriver(t, provider, sink)

	pool := common.HexToAddress("0x01")
	r, err := d.RunNonFinalized(ctx, swapFilter(), []subbatch.Member{poolMember(pool)})
	require.NoError(t, err)
	assert.Equal(t, uint64(201), r.FromBlock)
	assert.Equal(t, uint64(210), r.ToBlock)

	// the marker is never advanced by the non-finalized phase
	_, ok, err := tracker.LastBlock(ctx, chains.Ethereum)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDriverFinalized(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{chainID: chains.Ethereum, head: 210, finalized: 200}
	sink := &captor{}
	d, tracker := newTestDriver(t, provider, sink)
	pool := common.HexToAddress("0x01")

	// no cached marker: start at deployment
	r, err := d.RunFinalized(ctx, swapFilter(), []subbatch.Member{poolMember(pool)}, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), r.FromBlock)
	assert.Equal(t, uint64(200), r.ToBlock)

	blockNum, ok, err := tracker.LastBlock(ctx, chains.Ethereum)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(200), blockNum)

	// cached marker above deployment: resume from it
	provider.finalized = 300
	provider.head = 310
	r, err = d.RunFinalized(ctx, swapFilter(), []subbatch.Member{poolMember(pool)}, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), r.FromBlock)
	assert.Equal(t, uint64(300), r.ToBlock)

	blockNum, _, err = tracker.LastBlock(ctx, chains.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), blockNum)
}

func TestDriverFinalizedPublishFailureKeepsMarker(t *testing.T) {
	ctx := context.Background()
	pool := common.HexToAddress("0x01")
	provider := &fakeProvider{chainID: chains.Ethereum, head: 210, finalized: 200}
	provider.filterLogs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{{Address: pool, BlockNumber: q.FromBlock.Uint64(), TxHash: common.BigToHash(q.FromBlock), Index: 0}}, nil
	}

	backend, err := memcache.NewBackend(512)
	require.NoError(t, err)
	tracker := blocktrack.New(backend, "position-liquidity", nil)
	require.NoError(t, tracker.SetLastBlock(ctx, chains.Ethereum, 100))

	failing := func(ctx context.Context, lg types.Log) error {
		return errors.New("channel/connection is not open")
	}
	d := NewDriver(provider, tracker, NewScanner(provider, failing), nil)

	r, err := d.RunFinalized(ctx, swapFilter(), []subbatch.Member{poolMember(pool)}, 50)
	require.NoError(t, err)
	require.Error(t, r.Err)
	assert.Equal(t, 1, r.EventsFound)
	assert.Equal(t, 0, r.EventsPublished)

	// nothing was published, so the marker must not move
	blockNum, _, err := tracker.LastBlock(ctx, chains.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), blockNum)
}

func TestDriverFinalizedFailureKeepsMarker(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{chainID: chains.Ethereum, head: 210, finalized: 200}
	sink := &captor{}
	d, tracker := newTestDriver(t, provider, sink)
	pool := common.HexToAddress("0x01")

	require.NoError(t, tracker.SetLastBlock(ctx, chains.Ethereum, 100))

	provider.filterLogs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return nil, errors.New("provider: query timeout")
	}

	r, err := d.RunFinalized(ctx, swapFilter(), []subbatch.Member{poolMember(pool)}, 50)
	require.NoError(t, err)
	require.Error(t, r.Err)

	blockNum, _, err := tracker.LastBlock(ctx, chains.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), blockNum)
}
