package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cachestore "github.com/goware/cachestore2"

	"github.com/meridianfi/chainfeed/blocktrack"
)

const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko is the upstream token-list and price source. It implements
// both TokenSource and PriceSource.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCoinGecko(baseURL, apiKey string) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ TokenSource = (*CoinGecko)(nil)
var _ PriceSource = (*CoinGecko)(nil)

func (c *CoinGecko) FetchTokens(ctx context.Context) ([]Token, error) {
	var rows []struct {
		ID        string            `json:"id"`
		Symbol    string            `json:"symbol"`
		Platforms map[string]string `json:"platforms"`
	}
	if err := c.get(ctx, "/coins/list?include_platform=true", &rows); err != nil {
		return nil, err
	}

	tokens := make([]Token, 0, len(rows))
	for _, row := range rows {
		token := Token{PriceID: row.ID, Symbol: row.Symbol}
		for platform, address := range row.Platforms {
			if address != "" {
				token.ChainRef = platform
				token.Address = address
				break
			}
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (c *CoinGecko) FetchPrices(ctx context.Context, priceIDs []string, currencies []string) (map[string]map[string]float64, error) {
	if len(priceIDs) == 0 {
		return map[string]map[string]float64{}, nil
	}
	path := fmt.Sprintf("/simple/price?ids=%s&vs_currencies=%s",
		url.QueryEscape(strings.Join(priceIDs, ",")),
		url.QueryEscape(strings.Join(currencies, ",")))

	var quotes map[string]map[string]float64
	if err := c.get(ctx, path, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (c *CoinGecko) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rules: coingecko request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rules: coingecko %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

const tokenListCacheKey = "tokens:list"

// CacheTokenSink persists the fetched token list as JSON in the shared
// cache, where the platform services read it.
type CacheTokenSink struct {
	cache cachestore.Store[[]byte]
}

func NewCacheTokenSink(backend blocktrack.Backend) *CacheTokenSink {
	return &CacheTokenSink{cache: cachestore.OpenStore[[]byte](backend)}
}

func (s *CacheTokenSink) ReplaceTokens(ctx context.Context, tokens []Token) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, tokenListCacheKey, data)
}

// Tokens reads the last persisted list; ok is false when none exists.
func (s *CacheTokenSink) Tokens(ctx context.Context) ([]Token, bool, error) {
	data, ok, err := s.cache.Get(ctx, tokenListCacheKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var tokens []Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, false, err
	}
	return tokens, true, nil
}
