package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/store"
)

// balanceOfSelector is the ERC-20 balanceOf(address) method id.
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

const defaultMulticallChunk = 256

// BalancePoller refreshes tracked ERC-20 wallet balances on an interval.
// Reads are deduplicated by (token, wallet) so entities sharing a read hit
// the RPC once, batched through Multicall3, and rows are written only when
// the value actually changed.
type BalancePoller struct {
	db        store.Store
	providers *chainrpc.Providers
	log       *slog.Logger
	interval  time.Duration
	chunk     int

	running atomic.Bool
	ctxStop context.CancelFunc

	mu        sync.Mutex
	lastRun   time.Time
	lastReads int
	lastSaves int
}

func NewBalancePoller(db store.Store, providers *chainrpc.Providers, interval time.Duration, log *slog.Logger) *BalancePoller {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &BalancePoller{
		db:        db,
		providers: providers,
		log:       log.With("worker", "balance-poller"),
		interval:  interval,
		chunk:     defaultMulticallChunk,
	}
}

func (p *BalancePoller) Name() string { return "balance-poller" }

func (p *BalancePoller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("balance-poller: already running")
	}
	defer p.running.Store(false)

	ctx, p.ctxStop = context.WithCancel(ctx)
	defer p.ctxStop()

	if err := p.pollOnce(ctx); err != nil {
		p.log.Warn(fmt.Sprintf("balance-poller: initial poll: %v", err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.log.Warn(fmt.Sprintf("balance-poller: poll: %v", err))
			}
		}
	}
}

func (p *BalancePoller) Stop() {
	if p.ctxStop != nil {
		p.ctxStop()
	}
}

func (p *BalancePoller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Name:    "balance-poller",
		Running: p.running.Load(),
		Detail: map[string]any{
			"lastRun":   p.lastRun,
			"lastReads": p.lastReads,
			"lastSaves": p.lastSaves,
		},
	}
}

type balanceRead struct {
	token  common.Address
	wallet common.Address
	rows   []*store.Balance
}

func (p *BalancePoller) pollOnce(ctx context.Context) error {
	rows, err := p.db.Balances(ctx)
	if err != nil {
		return err
	}

	byChain := map[chains.ID]map[string]*balanceRead{}
	for _, row := range rows {
		reads, ok := byChain[row.ChainID]
		if !ok {
			reads = map[string]*balanceRead{}
			byChain[row.ChainID] = reads
		}
		key := row.TokenAddress.Hex() + "/" + row.WalletAddress.Hex()
		read, ok := reads[key]
		if !ok {
			read = &balanceRead{token: row.TokenAddress, wallet: row.WalletAddress}
			reads[key] = read
		}
		read.rows = append(read.rows, row)
	}

	reads, saves := 0, 0
	for chainID, byKey := range byChain {
		provider, ok := p.providers.Get(chainID)
		if !ok {
			continue
		}
		ordered := make([]*balanceRead, 0, len(byKey))
		for _, read := range byKey {
			ordered = append(ordered, read)
		}
		n, s, err := p.refreshChain(ctx, provider, ordered)
		reads += n
		saves += s
		if err != nil {
			p.log.Warn(fmt.Sprintf("balance-poller: chain %d: %v", chainID, err))
		}
	}

	p.mu.Lock()
	p.lastRun = time.Now().UTC()
	p.lastReads = reads
	p.lastSaves = saves
	p.mu.Unlock()
	return nil
}

func (p *BalancePoller) refreshChain(ctx context.Context, provider chainrpc.Provider, reads []*balanceRead) (int, int, error) {
	saves := 0
	for start := 0; start < len(reads); start += p.chunk {
		end := start + p.chunk
		if end > len(reads) {
			end = len(reads)
		}
		window := reads[start:end]

		calls := make([]chainrpc.Call, 0, len(window))
		for _, read := range window {
			calls = append(calls, chainrpc.Call{
				Target:       read.token,
				CallData:     balanceOfCalldata(read.wallet),
				AllowFailure: true,
			})
		}

		results, err := provider.Multicall(ctx, calls)
		if err != nil {
			return start, saves, err
		}

		for i, res := range results {
			if !res.Success || len(res.ReturnData) == 0 {
				continue
			}
			amount := new(big.Int).SetBytes(res.ReturnData)
			// fan the shared read back out, persisting changed rows only
			for _, row := range window[i].rows {
				if row.Amount != nil && row.Amount.Cmp(amount) == 0 {
					continue
				}
				row.Amount = new(big.Int).Set(amount)
				if err := p.db.SaveBalance(ctx, row); err != nil {
					return len(reads), saves, err
				}
				saves++
			}
		}
	}
	return len(reads), saves, nil
}

func balanceOfCalldata(wallet common.Address) []byte {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(wallet.Bytes(), 32)...)
	return data
}
