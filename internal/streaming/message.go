package streaming

import (
	"encoding/json"
	"errors"
	"time"
)

type EventType string

const (
	EventRecordClassified   EventType = "record.classified"
	EventSubmissionResolved EventType = "submission.resolved"
)

// Event is the payload written to the ledger event topic. Record fields are set
// for record.classified, nonce slot fields for submission.resolved.
type Event struct {
	Type       EventType `json:"type"`
	TraceID    string    `json:"trace_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	Hash         string    `json:"hash,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Asset        string    `json:"asset,omitempty"`
	AssetAddress string    `json:"asset_address,omitempty"`
	BlockNumber  uint64    `json:"block_number,omitempty"`
	Nonce        uint64    `json:"nonce"`
	Status       string    `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`

	Winner     string `json:"winner,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func Encode(event Event) ([]byte, error) {
	if err := validate(event); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

func Decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, err
	}
	if err := validate(event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func validate(event Event) error {
	switch event.Type {
	case EventRecordClassified:
		if event.Hash == "" {
			return errors.New("hash is required")
		}
	case EventSubmissionResolved:
		if event.From == "" || event.Winner == "" {
			return errors.New("from and winner are required")
		}
	case "":
		return errors.New("event type is required")
	default:
		return errors.New("unknown event type: " + string(event.Type))
	}
	return nil
}
