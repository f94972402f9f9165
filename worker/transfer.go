package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/store"
	"github.com/meridianfi/chainfeed/subbatch"
	"github.com/meridianfi/chainfeed/univ3"
)

// NewNFPMTransferWorker streams ERC-721 Transfer events on the position
// manager for tracked NFT ids, classifying each as mint, burn or transfer
// by the zero-address sides.
func NewNFPMTransferWorker(db store.Store, providers *chainrpc.Providers, bus eventbus.Publisher, backend blocktrack.Backend, tuning Tuning, log *slog.Logger) *StreamWorker {
	cfg := StreamConfig{
		Name:      "nfpm-transfers",
		Subsystem: "nfpm-transfers",
		Exchange:  eventbus.ExchangeNFPMTransfers,

		Filter: func(ctx context.Context, chainID chains.ID) (subbatch.FilterSpec, bool, error) {
			return subbatch.FilterSpec{
				Topics:    []common.Hash{univ3.TopicTransfer},
				Mode:      subbatch.KeyByTopic,
				Contracts: []common.Address{univ3.NFPMAddress},
				// ERC-721 Transfer carries tokenId in topic3
				IDTopicIndex: 3,
			}, true, nil
		},

		LoadMembers: func(ctx context.Context, chainID chains.ID) ([]subbatch.Member, error) {
			positions, err := db.ActivePositionsByChain(ctx, chainID)
			if err != nil {
				return nil, err
			}
			members := make([]subbatch.Member, 0, len(positions))
			for _, p := range positions {
				members = append(members, subbatch.Member{Key: subbatch.IDKey(p.NFTID), ID: p.NFTID})
			}
			return members, nil
		},

		MakeEnvelope: makeTransferEnvelope,

		DeployBlock: func(ctx context.Context, chainID chains.ID) uint64 {
			return univ3.NFPMDeployBlock(chainID)
		},

		OnCreated: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			return w.EnsureMember(ctx, ev.ChainID, subbatch.Member{Key: subbatch.IDKey(ev.NFTID), ID: ev.NFTID})
		},
		OnDeleted: func(ctx context.Context, w *StreamWorker, ev eventbus.PositionEvent) error {
			w.RemoveMember(ev.ChainID, subbatch.IDKey(ev.NFTID))
			return nil
		},

		Cleanup: func(ctx context.Context, w *StreamWorker) error {
			return cleanupDeadPositions(ctx, db, w)
		},

		MaxPerBatch:       tuning.MaxPerBatch,
		CatchUpEnabled:    tuning.CatchUpEnabled,
		CatchUpWindowSize: tuning.CatchUpWindowSize,
		HeartbeatInterval: tuning.HeartbeatInterval,
		CleanupInterval:   tuning.CleanupInterval,
	}
	return NewStreamWorker(cfg, providers, bus, backend, log)
}

var zeroTopic = common.Hash{}

func makeTransferEnvelope(chainID chains.ID, lg types.Log) (string, eventbus.Envelope, bool, error) {
	if len(lg.Topics) < 4 || lg.Topics[0] != univ3.TopicTransfer {
		return "", eventbus.Envelope{}, false, nil
	}

	kind := eventbus.TransferTransfer
	switch {
	case lg.Topics[1] == zeroTopic:
		kind = eventbus.TransferMint
	case lg.Topics[2] == zeroTopic:
		kind = eventbus.TransferBurn
	}

	nftID := topicBig(lg.Topics[3])
	payload, err := encodeLogPayload(lg)
	if err != nil {
		return "", eventbus.Envelope{}, false, err
	}

	idx := lg.Index
	env := eventbus.Envelope{
		Type:            fmt.Sprintf("position.nft.%s", kind),
		ChainID:         chainID,
		EntityID:        nftID.String(),
		EntityType:      eventbus.EntityTypePosition,
		Payload:         payload,
		Source:          "nfpm-transfers",
		ReceivedAt:      time.Now().UTC(),
		BlockNumber:     fmt.Sprintf("%d", lg.BlockNumber),
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        &idx,
	}
	return eventbus.NFPMTransferKey(chainID, kind, nftID), env, true, nil
}
