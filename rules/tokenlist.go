package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cachestore "github.com/goware/cachestore2"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/scheduler"
)

// tokenListGateKey guards against scheduler double-fires: the refresh is
// skipped when the last successful run is younger than the gate window.
const tokenListGateKey = "rule:refresh-coingecko-tokens:last-run"

const tokenListGateWindow = 24 * time.Hour

// Token is one row from the external token-list source.
type Token struct {
	PriceID  string `json:"priceId"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address,omitempty"`
	ChainRef string `json:"chainRef,omitempty"`
}

// TokenSource fetches the upstream token list (CoinGecko in production).
type TokenSource interface {
	FetchTokens(ctx context.Context) ([]Token, error)
}

// TokenSink persists the fetched list.
type TokenSink interface {
	ReplaceTokens(ctx context.Context, tokens []Token) error
}

// TokenListRule refreshes the token list daily at a jittered off-peak
// minute, plus once at startup.
type TokenListRule struct {
	Base
	cache  cachestore.Store[[]byte]
	source TokenSource
	sink   TokenSink
	log    *slog.Logger

	// Gate overrides the 24 h window in tests.
	Gate time.Duration
}

func NewTokenListRule(backend blocktrack.Backend, source TokenSource, sink TokenSink, log *slog.Logger) *TokenListRule {
	if log == nil {
		log = slog.Default()
	}
	return &TokenListRule{
		Base:   NewBase("refresh-coingecko-tokens", "daily token-list refresh"),
		cache:  cachestore.OpenStore[[]byte](backend),
		source: source,
		sink:   sink,
		log:    log,
		Gate:   tokenListGateWindow,
	}
}

func (r *TokenListRule) OnStartup(ctx context.Context, sched *scheduler.Scheduler) error {
	return r.register(sched, scheduler.Schedule{
		CronExpression: "17 3 * * *",
		RunOnStart:     true,
	}, r.Run)
}

// Run refreshes the list unless a run within the gate window already did.
func (r *TokenListRule) Run(ctx context.Context) error {
	if last, ok, err := r.lastRun(ctx); err != nil {
		return err
	} else if ok && time.Since(last) < r.Gate {
		r.log.Debug(fmt.Sprintf("rules: token list refreshed %s ago, skipping", time.Since(last).Round(time.Minute)))
		return nil
	}

	tokens, err := r.source.FetchTokens(ctx)
	if err != nil {
		return fmt.Errorf("rules: token list fetch: %w", err)
	}
	if err := r.sink.ReplaceTokens(ctx, tokens); err != nil {
		return fmt.Errorf("rules: token list persist: %w", err)
	}

	if err := r.setLastRun(ctx, time.Now().UTC()); err != nil {
		return err
	}
	r.log.Info(fmt.Sprintf("rules: refreshed %d tokens", len(tokens)))
	return nil
}

func (r *TokenListRule) lastRun(ctx context.Context) (time.Time, bool, error) {
	data, ok, err := r.cache.Get(ctx, tokenListGateKey)
	if err != nil || !ok || len(data) == 0 {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		// corrupt gate record, treat as never run
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func (r *TokenListRule) setLastRun(ctx context.Context, ts time.Time) error {
	return r.cache.SetEx(ctx, tokenListGateKey, []byte(ts.Format(time.RFC3339)), tokenListGateWindow+time.Hour)
}
