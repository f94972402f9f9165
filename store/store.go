package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianfi/chainfeed/chains"
)

var ErrNotFound = errors.New("store: not found")

type PositionStore interface {
	ActivePositions(ctx context.Context) ([]*Position, error)
	ActivePositionsByChain(ctx context.Context, chainID chains.ID) ([]*Position, error)

	// ActivePositionsForPool lists active positions referencing a pool,
	// used to decide whether a pool subscription is still needed.
	ActivePositionsForPool(ctx context.Context, chainID chains.ID, pool common.Address) ([]*Position, error)

	PositionByNFT(ctx context.Context, chainID chains.ID, nftID *big.Int) (*Position, error)
	SavePosition(ctx context.Context, p *Position) error
}

type PoolStore interface {
	Pool(ctx context.Context, chainID chains.ID, address common.Address) (*Pool, error)
	SavePool(ctx context.Context, p *Pool) error
}

type SubscriberStore interface {
	ActiveSubscribers(ctx context.Context) ([]*Subscriber, error)
	PausedSubscribers(ctx context.Context) ([]*Subscriber, error)
	SaveSubscriber(ctx context.Context, s *Subscriber) error
	PauseSubscriber(ctx context.Context, id string, pausedAt time.Time) error
	DeleteSubscriber(ctx context.Context, id string) error
}

type SharedContractStore interface {
	// ActiveContracts lists platform deployments of one kind, e.g.
	// "closer" executors.
	ActiveContracts(ctx context.Context, kind string) ([]*SharedContract, error)
	SaveContract(ctx context.Context, c *SharedContract) error
}

type UserStore interface {
	Users(ctx context.Context) ([]*User, error)
	User(ctx context.Context, id string) (*User, error)
	SaveUser(ctx context.Context, u *User) error
}

type BalanceStore interface {
	Balances(ctx context.Context) ([]*Balance, error)
	SaveBalance(ctx context.Context, b *Balance) error
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s *NAVSnapshot) error
	SnapshotsForUser(ctx context.Context, userID string) ([]*NAVSnapshot, error)
}

// Store is the composite repository surface handed to workers and rules.
type Store interface {
	PositionStore
	PoolStore
	SubscriberStore
	SharedContractStore
	UserStore
	BalanceStore
	SnapshotStore
}
