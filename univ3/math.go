package univ3

import (
	"math"
	"math/big"
)

// Q96 is the 2^96 fixed-point scale used by sqrt-price values.
var Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

// SqrtRatioAtTick returns sqrt(1.0001^tick) in Q96 fixed point. The
// conversion goes through float64, which is plenty for valuation purposes
// (sub-ppm error); swap execution math never runs through here.
func SqrtRatioAtTick(tick int32) *big.Int {
	if tick < MinTick {
		tick = MinTick
	}
	if tick > MaxTick {
		tick = MaxTick
	}
	sqrtRatio := math.Exp(float64(tick) * math.Log(1.0001) / 2)
	f := new(big.Float).SetPrec(128).SetFloat64(sqrtRatio)
	f.Mul(f, new(big.Float).SetPrec(128).SetInt(Q96))
	out, _ := f.Int(nil)
	return out
}

// AmountsForLiquidity converts a position's liquidity into token amounts at
// the given pool sqrt-price. sqrtA and sqrtB are the range bounds in Q96;
// they are swapped if passed out of order.
func AmountsForLiquidity(sqrtP, sqrtA, sqrtB, liquidity *big.Int) (amount0, amount1 *big.Int) {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}

	amount0 = new(big.Int)
	amount1 = new(big.Int)
	if liquidity == nil || liquidity.Sign() == 0 {
		return amount0, amount1
	}

	switch {
	case sqrtP.Cmp(sqrtA) <= 0:
		// price below range, all token0
		amount0 = amount0ForLiquidity(sqrtA, sqrtB, liquidity)
	case sqrtP.Cmp(sqrtB) >= 0:
		// price above range, all token1
		amount1 = amount1ForLiquidity(sqrtA, sqrtB, liquidity)
	default:
		amount0 = amount0ForLiquidity(sqrtP, sqrtB, liquidity)
		amount1 = amount1ForLiquidity(sqrtA, sqrtP, liquidity)
	}
	return amount0, amount1
}

// amount0 = L * (sqrtB - sqrtA) * Q96 / (sqrtB * sqrtA)
func amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	num := new(big.Int).Sub(sqrtB, sqrtA)
	num.Mul(num, liquidity)
	num.Mul(num, Q96)
	den := new(big.Int).Mul(sqrtB, sqrtA)
	return num.Div(num, den)
}

// amount1 = L * (sqrtB - sqrtA) / Q96
func amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	num := new(big.Int).Sub(sqrtB, sqrtA)
	num.Mul(num, liquidity)
	return num.Div(num, Q96)
}

// Token1PerToken0X96 converts a Q96 sqrt-price into the token1/token0 price
// in Q96 fixed point.
func Token1PerToken0X96(sqrtPriceX96 *big.Int) *big.Int {
	p := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	return p.Div(p, Q96)
}

// ValueInToken1 values (amount0, amount1) in token1 units at the given pool
// sqrt-price: amount0 * price + amount1.
func ValueInToken1(sqrtPriceX96, amount0, amount1 *big.Int) *big.Int {
	v := new(big.Int).Mul(amount0, Token1PerToken0X96(sqrtPriceX96))
	v.Div(v, Q96)
	return v.Add(v, amount1)
}
