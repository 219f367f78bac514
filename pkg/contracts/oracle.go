package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataType is the category of an oracle attestation.
type DataType string

const (
	DataPerformance DataType = "performance"
	DataCrossChain  DataType = "cross_chain"
	DataSentiment   DataType = "sentiment"
	DataGeneral     DataType = "general"
)

// DataTypes lists every known data type in a stable order.
var DataTypes = []DataType{DataPerformance, DataCrossChain, DataSentiment, DataGeneral}

// ParseDataType validates a data type name.
func ParseDataType(s string) (DataType, error) {
	for _, dt := range DataTypes {
		if string(dt) == s {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// WeightPercent is the share of an agent's 0..100 value that contributes to
// its external factor. General data carries no weight.
func (d DataType) WeightPercent() int64 {
	switch d {
	case DataPerformance:
		return 15
	case DataCrossChain:
		return 10
	case DataSentiment:
		return 5
	default:
		return 0
	}
}

// OracleData is a signed external attestation.
type OracleData struct {
	ID          string            `json:"id"`
	Provider    string            `json:"provider"`
	DataType    DataType          `json:"data_type"`
	Payload     json.RawMessage   `json:"payload"`
	Timestamp   time.Time         `json:"timestamp"`
	SubmittedAt time.Time         `json:"submitted_at"`
	BlockHeight uint64            `json:"block_height"`
	Signatures  map[string]string `json:"signatures"`
	Verified    bool              `json:"verified"`
}

// SigningMessage is the canonical structure validators sign for an attestation.
type SigningMessage struct {
	DataType DataType        `json:"data_type"`
	Payload  json.RawMessage `json:"payload"`
	Provider string          `json:"provider"`
	// ObservedAt is Unix nanoseconds.
	ObservedAt int64 `json:"observed_at_ns"`
}
