// Package univ3 carries the Uniswap V3 contract surface the ingestion core
// depends on: event signatures, the NFPM deployment, and just enough
// fixed-point math to value a position.
package univ3

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NFPMAddress is the canonical NonfungiblePositionManager deployment,
// shared across every chain we support.
var NFPMAddress = common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")

// Event signature hashes (topic0).
var (
	// Pool events.
	TopicSwap = crypto.Keccak256Hash([]byte("Swap(address,address,int256,int256,uint160,uint128,int24)"))

	// NFPM position events, all keyed by tokenId in topic1.
	TopicIncreaseLiquidity = crypto.Keccak256Hash([]byte("IncreaseLiquidity(uint256,uint128,uint256,uint256)"))
	TopicDecreaseLiquidity = crypto.Keccak256Hash([]byte("DecreaseLiquidity(uint256,uint128,uint256,uint256)"))
	TopicCollect           = crypto.Keccak256Hash([]byte("Collect(uint256,address,uint256,uint256)"))

	// ERC-721/ERC-20 Transfer, tokenId in topic3 for the NFPM.
	TopicTransfer = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// Close-order contract events, tokenId in topic1.
	TopicOrderCreated   = crypto.Keccak256Hash([]byte("OrderCreated(uint256,uint8,uint160)"))
	TopicOrderExecuted  = crypto.Keccak256Hash([]byte("OrderExecuted(uint256,uint8,uint160)"))
	TopicOrderCancelled = crypto.Keccak256Hash([]byte("OrderCancelled(uint256,uint8)"))
)
