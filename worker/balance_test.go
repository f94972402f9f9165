package worker

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/store"
)

func TestBalancePoller(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()

	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// two rows share the (usdc, wallet) read
	require.NoError(t, db.SaveBalance(ctx, &store.Balance{
		UserID: "u1", ChainID: chains.Ethereum, WalletAddress: wallet, TokenAddress: usdc,
	}))
	require.NoError(t, db.SaveBalance(ctx, &store.Balance{
		UserID: "u2", ChainID: chains.Ethereum, WalletAddress: wallet, TokenAddress: usdc,
	}))
	require.NoError(t, db.SaveBalance(ctx, &store.Balance{
		UserID: "u1", ChainID: chains.Ethereum, WalletAddress: wallet, TokenAddress: weth,
		Amount: big.NewInt(500),
	}))

	amounts := map[common.Address]*big.Int{
		usdc: big.NewInt(1_000_000),
		weth: big.NewInt(500), // unchanged
	}

	var callCounts []int
	provider := &mockProvider{chainID: chains.Ethereum}
	provider.multicall = func(calls []chainrpc.Call) ([]chainrpc.Result, error) {
		callCounts = append(callCounts, len(calls))
		results := make([]chainrpc.Result, 0, len(calls))
		for _, call := range calls {
			require.Len(t, call.CallData, 36)
			assert.Equal(t, balanceOfSelector, call.CallData[:4])
			assert.True(t, call.AllowFailure)
			results = append(results, chainrpc.Result{
				Success:    true,
				ReturnData: common.LeftPadBytes(amounts[call.Target].Bytes(), 32),
			})
		}
		return results, nil
	}
	providers := chainrpc.NewProvidersFromMap(map[chains.ID]chainrpc.Provider{chains.Ethereum: provider})

	p := NewBalancePoller(db, providers, 0, nil)
	require.NoError(t, p.pollOnce(ctx))

	// reads deduplicated: 3 rows, 2 unique (token, wallet) pairs
	require.Len(t, callCounts, 1)
	assert.Equal(t, 2, callCounts[0])

	rows, err := db.Balances(ctx)
	require.NoError(t, err)
	changed := 0
	for _, row := range rows {
		require.NotNil(t, row.Amount)
		if row.TokenAddress == usdc {
			assert.Equal(t, int64(1_000_000), row.Amount.Int64())
			changed++
		} else {
			assert.Equal(t, int64(500), row.Amount.Int64())
		}
	}
	assert.Equal(t, 2, changed)

	// the unchanged row was not rewritten
	st := p.Status()
	assert.Equal(t, 2, st.Detail["lastSaves"])
	assert.Equal(t, 2, st.Detail["lastReads"])
}
