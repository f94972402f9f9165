package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/scheduler"
	"github.com/meridianfi/chainfeed/store"
	"github.com/meridianfi/chainfeed/univ3"
)

var (
	// slot0() on the pool
	slot0Selector = []byte{0x38, 0x50, 0xc7, 0xbd}
	// positions(uint256) on the NFPM
	positionsSelector = []byte{0x99, 0xfb, 0xab, 0x88}
)

// positionsWindow caps positions per multicall; each position contributes
// two reads (slot0 and positions()).
const positionsWindow = 25

const defaultCurrency = "usd"

// Journal account codes aggregated into snapshots.
const (
	AccountLiquidity = "assets:liquidity"
	AccountFees      = "income:unclaimed-fees"
)

// PriceSource resolves external price ids into per-currency quotes.
type PriceSource interface {
	FetchPrices(ctx context.Context, priceIDs []string, currencies []string) (map[string]map[string]float64, error)
}

// NAVSnapshotRule runs the daily net-asset-value pipeline: refresh every
// active position from chain state, fetch quote-token prices in one batch,
// then write one snapshot row per user in their reporting currency.
type NAVSnapshotRule struct {
	Base
	db        store.Store
	providers *chainrpc.Providers
	bus       eventbus.Publisher
	prices    PriceSource
	log       *slog.Logger
}

func NewNAVSnapshotRule(db store.Store, providers *chainrpc.Providers, bus eventbus.Publisher, prices PriceSource, log *slog.Logger) *NAVSnapshotRule {
	if log == nil {
		log = slog.Default()
	}
	return &NAVSnapshotRule{
		Base:      NewBase("nav-snapshot", "daily NAV snapshot"),
		db:        db,
		providers: providers,
		bus:       bus,
		prices:    prices,
		log:       log,
	}
}

func (r *NAVSnapshotRule) OnStartup(ctx context.Context, sched *scheduler.Scheduler) error {
	return r.register(sched, scheduler.Schedule{
		CronExpression: "0 0 * * *",
	}, r.Run)
}

func (r *NAVSnapshotRule) Run(ctx context.Context) error {
	refreshed, err := r.refresh(ctx)
	if err != nil {
		return err
	}
	if len(refreshed) == 0 {
		r.log.Info("rules: nav snapshot found no active positions")
		return nil
	}

	quotes, err := r.fetchQuotes(ctx, refreshed)
	if err != nil {
		return err
	}

	return r.snapshot(ctx, refreshed, quotes)
}

// refresh phase: batch-read pool slot0 and NFPM positions() per chain and
// recompute each position's value and unclaimed fees.
func (r *NAVSnapshotRule) refresh(ctx context.Context) ([]*store.Position, error) {
	var refreshed []*store.Position

	for _, chainID := range r.providers.ChainIDs() {
		provider, _ := r.providers.Get(chainID)
		positions, err := r.db.ActivePositionsByChain(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("rules: chain %d positions: %w", chainID, err)
		}

		for start := 0; start < len(positions); start += positionsWindow {
			end := start + positionsWindow
			if end > len(positions) {
				end = len(positions)
			}
			window := positions[start:end]
			if err := r.refreshWindow(ctx, provider, chainID, window); err != nil {
				r.log.Warn(fmt.Sprintf("rules: chain %d refresh window: %v", chainID, err))
				continue
			}
			refreshed = append(refreshed, window...)
		}
	}
	return refreshed, nil
}

func (r *NAVSnapshotRule) refreshWindow(ctx context.Context, provider chainrpc.Provider, chainID chains.ID, window []*store.Position) error {
	calls := make([]chainrpc.Call, 0, 2*len(window))
	for _, p := range window {
		calls = append(calls,
			chainrpc.Call{Target: p.PoolAddress, CallData: slot0Selector, AllowFailure: true},
			chainrpc.Call{Target: univ3.NFPMAddress, CallData: positionsCalldata(p.NFTID), AllowFailure: true},
		)
	}

	results, err := provider.Multicall(ctx, calls)
	if err != nil {
		return err
	}
	if len(results) != len(calls) {
		return fmt.Errorf("rules: multicall returned %d results for %d calls", len(results), len(calls))
	}

	for i, p := range window {
		slot0 := results[2*i]
		posData := results[2*i+1]
		if !slot0.Success || len(slot0.ReturnData) < 32 || !posData.Success || len(posData.ReturnData) < 12*32 {
			r.log.Warn(fmt.Sprintf("rules: chain %d position %s read failed, keeping stale value", chainID, p.NFTID))
			continue
		}

		sqrtPrice := new(big.Int).SetBytes(slot0.ReturnData[0:32])
		liquidity := new(big.Int).SetBytes(posData.ReturnData[7*32 : 8*32])
		owed0 := new(big.Int).SetBytes(posData.ReturnData[10*32 : 11*32])
		owed1 := new(big.Int).SetBytes(posData.ReturnData[11*32 : 12*32])

		sqrtA := univ3.SqrtRatioAtTick(p.TickLower)
		sqrtB := univ3.SqrtRatioAtTick(p.TickUpper)
		amount0, amount1 := univ3.AmountsForLiquidity(sqrtPrice, sqrtA, sqrtB, liquidity)

		value := univ3.ValueInToken1(sqrtPrice, amount0, amount1)
		fees := univ3.ValueInToken1(sqrtPrice, owed0, owed1)

		// pnl is tracked against the previous refresh
		pnl := big.NewInt(0)
		if p.CurrentValue != nil {
			pnl = new(big.Int).Sub(value, p.CurrentValue)
		}

		p.Liquidity = liquidity
		p.CurrentValue = value
		p.UnclaimedFees = fees
		p.UnrealizedPnl = pnl

		if err := r.db.SavePosition(ctx, p); err != nil {
			return err
		}
		r.publishRefreshed(ctx, chainID, p)
	}
	return nil
}

func (r *NAVSnapshotRule) publishRefreshed(ctx context.Context, chainID chains.ID, p *store.Position) {
	payload, err := positionStatePayload(p)
	if err != nil {
		r.log.Warn(fmt.Sprintf("rules: encode refresh payload for %s: %v", p.NFTID, err))
		return
	}
	env := eventbus.Envelope{
		Type:       "position.state.refreshed",
		ChainID:    chainID,
		EntityID:   p.NFTID.String(),
		EntityType: eventbus.EntityTypePosition,
		UserID:     p.UserID,
		Payload:    payload,
		Source:     "nav-snapshot",
		ReceivedAt: time.Now().UTC(),
	}
	body, err := env.Encode()
	if err != nil {
		return
	}
	// five segments, distinct from the four-segment lifecycle keys
	key := fmt.Sprintf("position.state.refreshed.%d.%s", chainID, p.NFTID)
	if err := r.bus.Publish(ctx, eventbus.ExchangeDomainEvents, key, body); err != nil {
		r.log.Warn(fmt.Sprintf("rules: publish refresh for %s: %v", p.NFTID, err))
	}
}

// fetchQuotes phase: one batch fetch over the unique price ids and
// reporting currencies in play.
func (r *NAVSnapshotRule) fetchQuotes(ctx context.Context, positions []*store.Position) (map[string]map[string]float64, error) {
	idSet := map[string]struct{}{}
	for _, p := range positions {
		if p.QuotePriceID != "" {
			idSet[p.QuotePriceID] = struct{}{}
		}
	}
	if len(idSet) == 0 {
		return map[string]map[string]float64{}, nil
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	users, err := r.db.Users(ctx)
	if err != nil {
		return nil, err
	}
	currencySet := map[string]struct{}{defaultCurrency: {}}
	for _, u := range users {
		if u.ReportingCurrency != "" {
			currencySet[u.ReportingCurrency] = struct{}{}
		}
	}
	currencies := make([]string, 0, len(currencySet))
	for c := range currencySet {
		currencies = append(currencies, c)
	}

	quotes, err := r.prices.FetchPrices(ctx, ids, currencies)
	if err != nil {
		return nil, fmt.Errorf("rules: price fetch: %w", err)
	}
	return quotes, nil
}

// snapshot phase: aggregate per user in their reporting currency and
// write one row each.
func (r *NAVSnapshotRule) snapshot(ctx context.Context, positions []*store.Position, quotes map[string]map[string]float64) error {
	byUser := map[string][]*store.Position{}
	for _, p := range positions {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for userID, userPositions := range byUser {
		currency := defaultCurrency
		if u, err := r.db.User(ctx, userID); err == nil && u.ReportingCurrency != "" {
			currency = u.ReportingCurrency
		}

		liquidityTotal := new(big.Int)
		feesTotal := new(big.Int)
		for _, p := range userPositions {
			liquidityTotal.Add(liquidityTotal, convert(p.CurrentValue, p.QuotePriceID, currency, quotes))
			feesTotal.Add(feesTotal, convert(p.UnclaimedFees, p.QuotePriceID, currency, quotes))
		}

		snap := &store.NAVSnapshot{
			UserID:     userID,
			Date:       today,
			Currency:   currency,
			TotalValue: new(big.Int).Add(liquidityTotal, feesTotal),
			AccountBalances: map[string]*big.Int{
				AccountLiquidity: liquidityTotal,
				AccountFees:      feesTotal,
			},
		}
		if err := r.db.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	r.log.Info(fmt.Sprintf("rules: wrote %d NAV snapshots", len(byUser)))
	return nil
}

// convert scales a token1-denominated value into the reporting currency.
// An unknown price id passes the value through unconverted.
func convert(value *big.Int, priceID, currency string, quotes map[string]map[string]float64) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	byCurrency, ok := quotes[priceID]
	if !ok {
		return new(big.Int).Set(value)
	}
	price, ok := byCurrency[currency]
	if !ok || price == 0 {
		return new(big.Int).Set(value)
	}

	f := new(big.Float).SetInt(value)
	f.Mul(f, big.NewFloat(price))
	out, _ := f.Int(nil)
	return out
}

func positionsCalldata(nftID *big.Int) []byte {
	data := make([]byte, 0, 36)
	data = append(data, positionsSelector...)
	data = append(data, common.LeftPadBytes(nftID.Bytes(), 32)...)
	return data
}

func positionStatePayload(p *store.Position) ([]byte, error) {
	payload := struct {
		NFTID         string `json:"nftId"`
		PoolAddress   string `json:"poolAddress"`
		Liquidity     string `json:"liquidity"`
		CurrentValue  string `json:"currentValue"`
		UnclaimedFees string `json:"unClaimedFees"`
		UnrealizedPnl string `json:"unrealizedPnl"`
	}{
		NFTID:         p.NFTID.String(),
		PoolAddress:   p.PoolAddress.Hex(),
		Liquidity:     eventbus.BigIntString(p.Liquidity),
		CurrentValue:  eventbus.BigIntString(p.CurrentValue),
		UnclaimedFees: eventbus.BigIntString(p.UnclaimedFees),
		UnrealizedPnl: eventbus.BigIntString(p.UnrealizedPnl),
	}
	return json.Marshal(payload)
}
