package store

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/meridianfi/chainfeed/chains"
)

// Memory is a map-backed Store for tests and local runs.
type Memory struct {
	mu          sync.RWMutex
	positions   map[string]*Position
	pools       map[string]*Pool
	subscribers map[string]*Subscriber
	contracts   map[string]*SharedContract
	users       map[string]*User
	balances    map[string]*Balance
	snapshots   map[string]*NAVSnapshot
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		positions:   map[string]*Position{},
		pools:       map[string]*Pool{},
		subscribers: map[string]*Subscriber{},
		contracts:   map[string]*SharedContract{},
		users:       map[string]*User{},
		balances:    map[string]*Balance{},
		snapshots:   map[string]*NAVSnapshot{},
	}
}

func poolKey(chainID chains.ID, addr common.Address) string {
	return strings.ToLower(addr.Hex()) + "/" + chainID.String()
}

func (m *Memory) ActivePositions(ctx context.Context) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Position
	for _, p := range m.positions {
		if p.Status == PositionActive {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (m *Memory) ActivePositionsByChain(ctx context.Context, chainID chains.ID) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Position
	for _, p := range m.positions {
		if p.Status == PositionActive && p.ChainID == chainID {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (m *Memory) ActivePositionsForPool(ctx context.Context, chainID chains.ID, pool common.Address) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Position
	for _, p := range m.positions {
		if p.Status == PositionActive && p.ChainID == chainID && p.PoolAddress == pool {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (m *Memory) PositionByNFT(ctx context.Context, chainID chains.ID, nftID *big.Int) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.positions {
		if p.ChainID == chainID && p.NFTID != nil && p.NFTID.Cmp(nftID) == 0 {
			return clonePosition(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SavePosition(ctx context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	m.positions[p.ID] = clonePosition(p)
	return nil
}

func (m *Memory) Pool(ctx context.Context, chainID chains.ID, address common.Address) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolKey(chainID, address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SavePool(ctx context.Context, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.pools[poolKey(p.ChainID, p.Address)] = &cp
	return nil
}

func (m *Memory) ActiveSubscribers(ctx context.Context) ([]*Subscriber, error) {
	return m.subscribersByStatus(SubscriberActive), nil
}

func (m *Memory) PausedSubscribers(ctx context.Context) ([]*Subscriber, error) {
	return m.subscribersByStatus(SubscriberPaused), nil
}

func (m *Memory) subscribersByStatus(status SubscriberStatus) []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscriber
	for _, s := range m.subscribers {
		if s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Memory) SaveSubscriber(ctx context.Context, s *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.subscribers[s.ID] = &cp
	return nil
}

func (m *Memory) PauseSubscriber(ctx context.Context, id string, pausedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = SubscriberPaused
	s.PausedAt = &pausedAt
	return nil
}

func (m *Memory) DeleteSubscriber(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
	return nil
}

func (m *Memory) ActiveContracts(ctx context.Context, kind string) ([]*SharedContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SharedContract
	for _, c := range m.contracts {
		if c.Active && c.Kind == kind {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SaveContract(ctx context.Context, c *SharedContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *Memory) Users(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) User(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SaveUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) Balances(ctx context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Balance
	for _, b := range m.balances {
		out = append(out, cloneBalance(b))
	}
	return out, nil
}

func (m *Memory) SaveBalance(ctx context.Context, b *Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.UpdatedAt = time.Now().UTC()
	m.balances[b.ID] = cloneBalance(b)
	return nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, s *NAVSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.snapshots[s.ID] = &cp
	return nil
}

func (m *Memory) SnapshotsForUser(ctx context.Context, userID string) ([]*NAVSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NAVSnapshot
	for _, s := range m.snapshots {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func clonePosition(p *Position) *Position {
	cp := *p
	cp.NFTID = cloneBig(p.NFTID)
	cp.Liquidity = cloneBig(p.Liquidity)
	cp.CurrentValue = cloneBig(p.CurrentValue)
	cp.UnrealizedPnl = cloneBig(p.UnrealizedPnl)
	cp.UnclaimedFees = cloneBig(p.UnclaimedFees)
	return &cp
}

func cloneBalance(b *Balance) *Balance {
	cp := *b
	cp.Amount = cloneBig(b.Amount)
	return &cp
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
