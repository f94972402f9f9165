package worker

import (
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogPayload is the self-describing event body published for raw chain
// logs. Numeric block fields travel as decimal strings.
type LogPayload struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        uint     `json:"logIndex"`
}

func newLogPayload(lg types.Log) LogPayload {
	topics := make([]string, 0, len(lg.Topics))
	for _, topic := range lg.Topics {
		topics = append(topics, topic.Hex())
	}
	return LogPayload{
		Address:         lg.Address.Hex(),
		Topics:          topics,
		Data:            hexutil.Encode(lg.Data),
		BlockNumber:     strconv.FormatUint(lg.BlockNumber, 10),
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        lg.Index,
	}
}

func encodeLogPayload(lg types.Log) (json.RawMessage, error) {
	return json.Marshal(newLogPayload(lg))
}

// topicBig reads an indexed topic as an unsigned integer (NFT ids).
func topicBig(topic common.Hash) *big.Int {
	return new(big.Int).SetBytes(topic.Bytes())
}
