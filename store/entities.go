// Package store holds the persistence surface the ingestion core consumes.
// The core only needs repositories; schema and query design live with the
// owning platform service. The in-memory implementation backs tests and
// local runs.
package store

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianfi/chainfeed/chains"
)

type PositionStatus string

const (
	PositionActive  PositionStatus = "active"
	PositionClosed  PositionStatus = "closed"
	PositionBurned  PositionStatus = "burned"
	PositionDeleted PositionStatus = "deleted"
)

// Position is one concentrated-liquidity position tracked for a user.
type Position struct {
	ID          string
	UserID      string
	ChainID     chains.ID
	NFTID       *big.Int
	PoolAddress common.Address
	Token0      common.Address
	Token1      common.Address
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	Status      PositionStatus

	// valuation fields refreshed by the daily NAV pipeline, quoted in
	// token1 units
	CurrentValue  *big.Int
	UnrealizedPnl *big.Int
	UnclaimedFees *big.Int

	// QuotePriceID is the external price-source id for the quote token.
	QuotePriceID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pool is a tracked AMM pool, updated from streamed swaps.
type Pool struct {
	ChainID      chains.ID
	Address      common.Address
	Token0       common.Address
	Token1       common.Address
	FeeTier      uint32
	SqrtPriceX96 *big.Int
	Tick         int32
	UpdatedAt    time.Time
}

type SubscriberStatus string

const (
	SubscriberActive SubscriberStatus = "active"
	SubscriberPaused SubscriberStatus = "paused"
)

// Subscriber is a poll-driven price subscription row. Consumers keep it
// alive by re-polling; the worker pauses stale rows and prunes old paused
// ones.
type Subscriber struct {
	ID           string
	ChainID      chains.ID
	PoolAddress  common.Address
	Status       SubscriberStatus
	LastPolledAt time.Time

	// ExpiresAfterMs pauses the row once now-lastPolledAt exceeds it;
	// zero defers to the caller's global staleness bound.
	ExpiresAfterMs int64

	PausedAt  *time.Time
	CreatedAt time.Time
}

// Stale reports whether the row should transition active -> paused. Rows
// without their own expiry fall back to the global bound; a zero fallback
// means never stale.
func (s *Subscriber) Stale(now time.Time, fallback time.Duration) bool {
	if s.Status != SubscriberActive {
		return false
	}
	expiry := time.Duration(s.ExpiresAfterMs) * time.Millisecond
	if expiry <= 0 {
		expiry = fallback
	}
	if expiry <= 0 {
		return false
	}
	return now.Sub(s.LastPolledAt) > expiry
}

// Prunable reports whether a paused row is old enough to delete.
func (s *Subscriber) Prunable(now time.Time, pruneThreshold time.Duration) bool {
	if s.Status != SubscriberPaused || s.PausedAt == nil {
		return false
	}
	return now.Sub(*s.PausedAt) > pruneThreshold
}

// SharedContract is a platform-deployed contract the workers subscribe to,
// e.g. close-order executor ("closer") deployments.
type SharedContract struct {
	ID          string
	ChainID     chains.ID
	Address     common.Address
	Kind        string
	TriggerMode string
	DeployBlock uint64
	Active      bool
}

type User struct {
	ID                string
	ReportingCurrency string
	WalletAddress     common.Address
	CreatedAt         time.Time
}

// Balance is one (wallet, token) ERC-20 balance read by the poller.
type Balance struct {
	ID            string
	UserID        string
	ChainID       chains.ID
	WalletAddress common.Address
	TokenAddress  common.Address
	Amount        *big.Int
	UpdatedAt     time.Time
}

// NAVSnapshot is one per-user daily net-asset-value row, with cumulative
// journal balances per double-entry account code.
type NAVSnapshot struct {
	ID              string
	UserID          string
	Date            time.Time
	Currency        string
	TotalValue      *big.Int
	AccountBalances map[string]*big.Int
	CreatedAt       time.Time
}
