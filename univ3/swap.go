package univ3

import (
	"errors"
	"math/big"

	"github.com/meridianfi/chainfeed/chains"
)

var ErrBadEventData = errors.New("univ3: malformed event data")

// SwapEvent is the decoded non-indexed data of a pool Swap log.
type SwapEvent struct {
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

// ParseSwap decodes the Swap data section: amount0, amount1 (int256),
// sqrtPriceX96 (uint160), liquidity (uint128), tick (int24).
func ParseSwap(data []byte) (SwapEvent, error) {
	if len(data) != 5*32 {
		return SwapEvent{}, ErrBadEventData
	}
	tick := decodeInt256(data[128:160])
	return SwapEvent{
		Amount0:      decodeInt256(data[0:32]),
		Amount1:      decodeInt256(data[32:64]),
		SqrtPriceX96: new(big.Int).SetBytes(data[64:96]),
		Liquidity:    new(big.Int).SetBytes(data[96:128]),
		Tick:         int32(tick.Int64()),
	}, nil
}

// LiquidityEvent is the decoded data of IncreaseLiquidity or
// DecreaseLiquidity: liquidity (uint128), amount0, amount1 (uint256).
type LiquidityEvent struct {
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

func ParseLiquidityChange(data []byte) (LiquidityEvent, error) {
	if len(data) != 3*32 {
		return LiquidityEvent{}, ErrBadEventData
	}
	return LiquidityEvent{
		Liquidity: new(big.Int).SetBytes(data[0:32]),
		Amount0:   new(big.Int).SetBytes(data[32:64]),
		Amount1:   new(big.Int).SetBytes(data[64:96]),
	}, nil
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// decodeInt256 interprets a 32-byte word as a two's-complement signed int.
func decodeInt256(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		v.Sub(v, two256)
	}
	return v
}

// nfpmDeployBlocks bounds the first historical scan per chain. Entries are
// safe lower bounds on the NFPM deployment; a missing entry scans from
// genesis, which the cached last-block makes a one-time cost.
var nfpmDeployBlocks = map[chains.ID]uint64{
	chains.Ethereum: 12369651,
	chains.Optimism: 1, // deployed before the regenesis
	chains.BSC:      26324014,
	chains.Polygon:  22757547,
	chains.Base:     1371680,
	chains.Arbitrum: 165,
}

func NFPMDeployBlock(chainID chains.ID) uint64 {
	return nfpmDeployBlocks[chainID]
}
