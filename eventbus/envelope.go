package eventbus

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/meridianfi/chainfeed/chains"
)

// Envelope is the self-describing wire format for every event the core
// publishes. Integer fields that can exceed 53 bits travel as decimal
// strings so any JSON consumer can read them.
type Envelope struct {
	Type       string          `json:"type"`
	ChainID    chains.ID       `json:"chainId"`
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	UserID     string          `json:"userId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"receivedAt"`

	BlockNumber     string `json:"blockNumber,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	LogIndex        *uint  `json:"logIndex,omitempty"`
}

// Entity types used in envelopes.
const (
	EntityTypePool       = "pool"
	EntityTypePosition   = "position"
	EntityTypeCloseOrder = "close-order"
	EntityTypeWallet     = "wallet"
)

// BigIntString renders a big int as its decimal-string wire form; nil
// becomes "0".
func BigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (e Envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// Encode marshals the envelope to its wire bytes.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
