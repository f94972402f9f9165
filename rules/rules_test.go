package rules

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	memcache "github.com/goware/cachestore-mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/scheduler"
	"github.com/meridianfi/chainfeed/store"
	"github.com/meridianfi/chainfeed/univ3"
)

func testBackend(t *testing.T) blocktrack.Backend {
	t.Helper()
	backend, err := memcache.NewBackend(512)
	require.NoError(t, err)
	return backend
}

type fakeTokenSource struct {
	mu      sync.Mutex
	fetches int
	tokens  []Token
	err     error
}

func (s *fakeTokenSource) FetchTokens(ctx context.Context) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	return s.tokens, s.err
}

func (s *fakeTokenSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type fakeTokenSink struct {
	mu     sync.Mutex
	stored []Token
}

func (s *fakeTokenSink) ReplaceTokens(ctx context.Context, tokens []Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = tokens
	return nil
}

type publishedMessage struct {
	exchange string
	key      string
	body     []byte
}

type captureBus struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (b *captureBus) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMessage{exchange, routingKey, body})
	return nil
}

type navProvider struct {
	chainID   chains.ID
	multicall func(calls []chainrpc.Call) ([]chainrpc.Result, error)
}

func (p *navProvider) ChainID() chains.ID { return p.chainID }

func (p *navProvider) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (p *navProvider) FinalizedBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (p *navProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (p *navProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (p *navProvider) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}

func (p *navProvider) Multicall(ctx context.Context, calls []chainrpc.Call) ([]chainrpc.Result, error) {
	return p.multicall(calls)
}

type fakePrices struct {
	quotes map[string]map[string]float64
	ids    []string
}

func (f *fakePrices) FetchPrices(ctx context.Context, priceIDs []string, currencies []string) (map[string]map[string]float64, error) {
	f.ids = priceIDs
	return f.quotes, nil
}

func TestTokenListGate(t *testing.T) {
	ctx := context.Background()

	source := &fakeTokenSource{tokens: []Token{
		{PriceID: "usd-coin", Symbol: "USDC"},
		{PriceID: "weth", Symbol: "WETH"},
	}}
	sink := &fakeTokenSink{}
	rule := NewTokenListRule(testBackend(t), source, sink, nil)

	require.NoError(t, rule.Run(ctx))
	assert.Equal(t, 1, source.fetchCount())
	assert.Len(t, sink.stored, 2)

	// a second fire inside the gate window is a no-op
	require.NoError(t, rule.Run(ctx))
	assert.Equal(t, 1, source.fetchCount())

	// once the window lapses the refresh runs again
	rule.Gate = time.Nanosecond
	require.NoError(t, rule.Run(ctx))
	assert.Equal(t, 2, source.fetchCount())
}

func TestRegistryRunsTokenRefreshOnStartup(t *testing.T) {
	ctx := context.Background()

	source := &fakeTokenSource{tokens: []Token{{PriceID: "weth", Symbol: "WETH"}}}
	rule := NewTokenListRule(testBackend(t), source, &fakeTokenSink{}, nil)

	sched := scheduler.New(nil)
	registry := NewRegistry(sched, nil, rule)
	require.NoError(t, registry.Startup(ctx))

	tasks := sched.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "refresh-coingecko-tokens", tasks[0].RuleName)
	assert.Equal(t, "17 3 * * *", tasks[0].CronExpression)

	require.Eventually(t, func() bool {
		return source.fetchCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, registry.Shutdown(ctx))
	assert.Empty(t, sched.Tasks())
}

func TestNAVSnapshotRun(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()

	require.NoError(t, db.SaveUser(ctx, &store.User{ID: "u1", ReportingCurrency: "eur"}))
	require.NoError(t, db.SaveUser(ctx, &store.User{ID: "u2"}))

	pool := common.HexToAddress("0x8ad599C3A0ff1De082011EFDDc58f1908eb6e6D8")
	p1 := &store.Position{
		UserID: "u1", ChainID: chains.Ethereum, NFTID: big.NewInt(42), PoolAddress: pool,
		Status: store.PositionActive, TickLower: -600, TickUpper: 600, QuotePriceID: "usd-coin",
	}
	p2 := &store.Position{
		UserID: "u2", ChainID: chains.Ethereum, NFTID: big.NewInt(43), PoolAddress: pool,
		Status: store.PositionActive, TickLower: -600, TickUpper: 600, QuotePriceID: "weth",
	}
	require.NoError(t, db.SavePosition(ctx, p1))
	require.NoError(t, db.SavePosition(ctx, p2))

	liquidity := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	slot0Data := common.LeftPadBytes(univ3.Q96.Bytes(), 32) // pool price at tick 0
	positionsData := make([]byte, 12*32)
	copy(positionsData[7*32:8*32], common.LeftPadBytes(liquidity.Bytes(), 32))
	copy(positionsData[10*32:11*32], common.LeftPadBytes(big.NewInt(100).Bytes(), 32))
	copy(positionsData[11*32:12*32], common.LeftPadBytes(big.NewInt(50).Bytes(), 32))

	provider := &navProvider{chainID: chains.Ethereum}
	provider.multicall = func(calls []chainrpc.Call) ([]chainrpc.Result, error) {
		results := make([]chainrpc.Result, 0, len(calls))
		for _, call := range calls {
			switch {
			case call.Target == univ3.NFPMAddress:
				require.Len(t, call.CallData, 36)
				assert.Equal(t, positionsSelector, call.CallData[:4])
				results = append(results, chainrpc.Result{Success: true, ReturnData: positionsData})
			default:
				assert.Equal(t, pool, call.Target)
				assert.Equal(t, slot0Selector, call.CallData)
				results = append(results, chainrpc.Result{Success: true, ReturnData: slot0Data})
			}
		}
		return results, nil
	}
	providers := chainrpc.NewProvidersFromMap(map[chains.ID]chainrpc.Provider{chains.Ethereum: provider})

	bus := &captureBus{}
	prices := &fakePrices{quotes: map[string]map[string]float64{
		"usd-coin": {"eur": 2, "usd": 1},
		"weth":     {"usd": 3},
	}}

	rule := NewNAVSnapshotRule(db, providers, bus, prices, nil)
	require.NoError(t, rule.Run(ctx))

	// expected per-position value from the same on-chain words
	sqrtA := univ3.SqrtRatioAtTick(-600)
	sqrtB := univ3.SqrtRatioAtTick(600)
	a0, a1 := univ3.AmountsForLiquidity(univ3.Q96, sqrtA, sqrtB, liquidity)
	wantValue := univ3.ValueInToken1(univ3.Q96, a0, a1)
	wantFees := univ3.ValueInToken1(univ3.Q96, big.NewInt(100), big.NewInt(50))

	got, err := db.PositionByNFT(ctx, chains.Ethereum, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentValue.Cmp(wantValue))
	assert.Equal(t, 0, got.UnclaimedFees.Cmp(wantFees))
	assert.Equal(t, 0, got.Liquidity.Cmp(liquidity))

	// one refresh event per position, on a five-segment key
	bus.mu.Lock()
	keys := map[string]bool{}
	for _, msg := range bus.published {
		assert.Equal(t, eventbus.ExchangeDomainEvents, msg.exchange)
		keys[msg.key] = true
	}
	bus.mu.Unlock()
	assert.True(t, keys["position.state.refreshed.1.42"])
	assert.True(t, keys["position.state.refreshed.1.43"])

	// u1 reports in eur at 2x, u2 in usd at 3x
	perPosition := new(big.Int).Add(wantValue, wantFees)

	snaps, err := db.SnapshotsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "eur", snaps[0].Currency)
	assert.Equal(t, 0, snaps[0].TotalValue.Cmp(new(big.Int).Mul(perPosition, big.NewInt(2))))
	assert.Equal(t, 0, snaps[0].AccountBalances[AccountFees].Cmp(new(big.Int).Mul(wantFees, big.NewInt(2))))

	snaps, err = db.SnapshotsForUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "usd", snaps[0].Currency)
	assert.Equal(t, 0, snaps[0].TotalValue.Cmp(new(big.Int).Mul(perPosition, big.NewInt(3))))

	assert.ElementsMatch(t, []string{"usd-coin", "weth"}, prices.ids)
}

func TestNAVSnapshotKeepsStaleValueOnReadFailure(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()

	pool := common.HexToAddress("0x0a")
	p := &store.Position{
		UserID: "u1", ChainID: chains.Ethereum, NFTID: big.NewInt(7), PoolAddress: pool,
		Status: store.PositionActive, TickLower: -60, TickUpper: 60,
		CurrentValue: big.NewInt(999),
	}
	require.NoError(t, db.SavePosition(ctx, p))

	provider := &navProvider{chainID: chains.Ethereum}
	provider.multicall = func(calls []chainrpc.Call) ([]chainrpc.Result, error) {
		results := make([]chainrpc.Result, len(calls))
		return results, nil // every read failed
	}
	providers := chainrpc.NewProvidersFromMap(map[chains.ID]chainrpc.Provider{chains.Ethereum: provider})

	rule := NewNAVSnapshotRule(db, providers, &captureBus{}, &fakePrices{quotes: map[string]map[string]float64{}}, nil)
	require.NoError(t, rule.Run(ctx))

	got, err := db.PositionByNFT(ctx, chains.Ethereum, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, int64(999), got.CurrentValue.Int64())
}
