package eventbus

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianfi/chainfeed/chains"
)

// Routing keys are dotted hierarchical strings; consumers bind with
// topic-exchange globs. The formats below are contractual and covered by
// tests, do not reorder segments.

var ErrBadRoutingKey = errors.New("eventbus: unparseable routing key")

// TransferKind classifies an NFPM transfer event.
type TransferKind string

const (
	TransferMint     TransferKind = "mint"
	TransferBurn     TransferKind = "burn"
	TransferTransfer TransferKind = "transfer"
)

// PositionAction is the lifecycle verb of a position domain event.
type PositionAction string

const (
	PositionCreated PositionAction = "created"
	PositionClosed  PositionAction = "closed"
	PositionBurned  PositionAction = "burned"
	PositionDeleted PositionAction = "deleted"
)

// SwapKey: uniswapv3.{chainId}.{poolAddress-lowercased}
func SwapKey(chainID chains.ID, pool common.Address) string {
	return fmt.Sprintf("uniswapv3.%d.%s", chainID, strings.ToLower(pool.Hex()))
}

// PositionLiquidityKey: uniswapv3.{chainId}.{nftId}
func PositionLiquidityKey(chainID chains.ID, nftID *big.Int) string {
	return fmt.Sprintf("uniswapv3.%d.%s", chainID, nftID.String())
}

// CloseOrderKey: closer.{chainId}.{nftId}.{triggerMode}
func CloseOrderKey(chainID chains.ID, nftID *big.Int, triggerMode string) string {
	return fmt.Sprintf("closer.%d.%s.%s", chainID, nftID.String(), triggerMode)
}

// NFPMTransferKey: uniswapv3.{chainId}.{mint|burn|transfer}.{nftId}
func NFPMTransferKey(chainID chains.ID, kind TransferKind, nftID *big.Int) string {
	return fmt.Sprintf("uniswapv3.%d.%s.%s", chainID, kind, nftID.String())
}

// PositionEventKey: position.{created|closed|burned|deleted}.{chainId}.{nftId}
func PositionEventKey(action PositionAction, chainID chains.ID, nftID *big.Int) string {
	return fmt.Sprintf("position.%s.%d.%s", action, chainID, nftID.String())
}

// PositionEvent is the parsed form of a position domain-event routing key.
type PositionEvent struct {
	Action  PositionAction
	ChainID chains.ID
	NFTID   *big.Int
}

// ParsePositionEventKey parses a position.{action}.{chainId}.{nftId} key.
// Unknown actions and unsupported chains are rejected.
func ParsePositionEventKey(key string) (PositionEvent, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 4 || parts[0] != "position" {
		return PositionEvent{}, fmt.Errorf("%w: %q", ErrBadRoutingKey, key)
	}

	action := PositionAction(parts[1])
	switch action {
	case PositionCreated, PositionClosed, PositionBurned, PositionDeleted:
	default:
		return PositionEvent{}, fmt.Errorf("%w: unknown action in %q", ErrBadRoutingKey, key)
	}

	chainNum, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return PositionEvent{}, fmt.Errorf("%w: bad chain id in %q", ErrBadRoutingKey, key)
	}
	chainID := chains.ID(chainNum)
	if !chainID.Supported() {
		return PositionEvent{}, fmt.Errorf("%w: unsupported chain %d in %q", ErrBadRoutingKey, chainNum, key)
	}

	nftID, ok := new(big.Int).SetString(parts[3], 10)
	if !ok || nftID.Sign() < 0 {
		return PositionEvent{}, fmt.Errorf("%w: bad nft id in %q", ErrBadRoutingKey, key)
	}

	return PositionEvent{Action: action, ChainID: chainID, NFTID: nftID}, nil
}
