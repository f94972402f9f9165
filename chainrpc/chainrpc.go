// Package chainrpc is the typed chain access layer used by the ingestion
// workers. It exposes the handful of node methods the core needs and hides
// the finalized-tag capability probing behind FinalizedBlockNumber.
package chainrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meridianfi/chainfeed/chains"
)

// Provider is the chain RPC surface consumed by the workers.
type Provider interface {
	// ChainID is the chain this provider is bound to.
	ChainID() chains.ID

	// BlockNumber = eth_blockNumber
	BlockNumber(ctx context.Context) (uint64, error)

	// FinalizedBlockNumber returns the highest finalized block, using the
	// node's "finalized" tag when available and the chain's finality
	// safety margin otherwise.
	FinalizedBlockNumber(ctx context.Context) (uint64, error)

	// FilterLogs = eth_getLogs
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// TransactionReceipt = eth_getTransactionReceipt
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// SubscribeFilterLogs = eth_subscribe("logs", ...)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)

	// Multicall batches many contract reads into one eth_call against the
	// Multicall3 deployment, with per-read failure tolerance.
	Multicall(ctx context.Context, calls []Call) ([]Result, error)
}

// Call is a single read in a multicall batch.
type Call struct {
	Target       common.Address
	CallData     []byte
	AllowFailure bool
}

// Result is the per-read outcome of a multicall batch.
type Result struct {
	Success    bool
	ReturnData []byte
}

// BlockRange is a half-open helper used by the catch-up scanner when
// building eth_getLogs queries.
func FilterQueryForRange(from, to uint64, addresses []common.Address, topics [][]common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
		Topics:    topics,
	}
}
