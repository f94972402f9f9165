package chainrpc

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goware/breaker"

	"github.com/meridianfi/chainfeed/chains"
)

const (
	finalizedUnknown int32 = iota
	finalizedSupported
	finalizedUnsupported
)

type provider struct {
	chainID chains.ID
	url     string
	log     *slog.Logger

	client *ethclient.Client

	// finalizedTag caches whether the node understands the "finalized"
	// block tag, probed on first use.
	finalizedTag atomic.Int32
}

var _ Provider = (*provider)(nil)

// NewProvider dials the chain's streaming endpoint. The dial is retried a
// few times with backoff before giving up, since worker startup depends
// on it.
func NewProvider(ctx context.Context, chainID chains.ID, url string, log *slog.Logger) (Provider, error) {
	if !chainID.Supported() {
		return nil, fmt.Errorf("chainrpc: unsupported chain %d", chainID)
	}
	if log == nil {
		log = slog.Default()
	}

	var client *ethclient.Client
	err := breaker.Do(ctx, func() error {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := ethclient.DialContext(dctx, url)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, nil, 1*time.Second, 2, 3)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: unable to dial %s endpoint: %w", chainID.Name(), err)
	}

	return &provider{
		chainID: chainID,
		url:     url,
		log:     log,
		client:  client,
	}, nil
}

func (p *provider) ChainID() chains.ID {
	return p.chainID
}

func (p *provider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.client.BlockNumber(ctx)
}

func (p *provider) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	if p.finalizedTag.Load() != finalizedUnsupported {
		header, err := p.client.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
		if err == nil && header != nil {
			p.finalizedTag.Store(finalizedSupported)
			return header.Number.Uint64(), nil
		}
		if err != nil && isUnsupportedTagErr(err) {
			p.log.Info(fmt.Sprintf("chainrpc: %s node lacks the finalized tag, falling back to safety margin", p.chainID.Name()))
			p.finalizedTag.Store(finalizedUnsupported)
		} else if err != nil {
			return 0, err
		}
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	margin := p.chainID.FinalityMargin()
	if head <= margin {
		return 0, nil
	}
	return head - margin, nil
}

// isUnsupportedTagErr sniffs the error strings nodes return for the
// "finalized" tag when they predate it. There is no structured code for
// this across clients.
func isUnsupportedTagErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown block") ||
		strings.Contains(msg, "finalized") && strings.Contains(msg, "not") ||
		strings.Contains(msg, "invalid block number") ||
		strings.Contains(msg, "hex string without 0x prefix")
}

func (p *provider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return p.client.FilterLogs(ctx, q)
}

func (p *provider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return p.client.TransactionReceipt(ctx, txHash)
}

func (p *provider) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return p.client.SubscribeFilterLogs(ctx, q, ch)
}
