package domain

import (
	"strings"
	"time"
)

// Asset tags that are not registry symbols.
const (
	AssetNative       = "Native"
	AssetUnknown      = "Unknown"
	AssetNotATransfer = "NotATransfer"
)

type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
	StatusPending Status = "Pending"
)

// TransactionRecord is the durable, hash-keyed outcome of classifying a mined
// transaction. Once written it is never rewritten.
type TransactionRecord struct {
	Hash         string    `json:"hash"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	Asset        string    `json:"asset"`
	AssetAddress string    `json:"asset_address,omitempty"`
	BlockNumber  uint64    `json:"block_number"`
	Nonce        uint64    `json:"nonce"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// Normalize lower-cases hash and addresses and truncates the timestamp to the
// second precision blocks carry.
func (r TransactionRecord) Normalize() TransactionRecord {
	r.Hash = strings.ToLower(r.Hash)
	r.From = strings.ToLower(r.From)
	r.To = strings.ToLower(r.To)
	r.AssetAddress = strings.ToLower(r.AssetAddress)
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Second)
	return r
}

func (r TransactionRecord) Equal(other TransactionRecord) bool {
	a, b := r.Normalize(), other.Normalize()
	return a.Hash == b.Hash &&
		a.From == b.From &&
		a.To == b.To &&
		a.Amount == b.Amount &&
		a.Asset == b.Asset &&
		a.AssetAddress == b.AssetAddress &&
		a.BlockNumber == b.BlockNumber &&
		a.Nonce == b.Nonce &&
		a.Status == b.Status &&
		a.Timestamp.Equal(b.Timestamp)
}

// Touches reports whether address is the sender or the effective recipient.
func (r TransactionRecord) Touches(address string) bool {
	address = strings.ToLower(address)
	return strings.ToLower(r.From) == address || strings.ToLower(r.To) == address
}
