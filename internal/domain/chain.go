package domain

import "math/big"

// Transaction is the subset of a chain transaction the classifier reads.
type Transaction struct {
	Hash        string
	BlockNumber uint64
	From        string
	To          string
	Value       *big.Int
	Nonce       uint64
	GasPrice    *big.Int
	Input       []byte
}

// Receipt represents a transaction receipt from the chain.
type Receipt struct {
	TxHash          string
	BlockNumber     uint64
	BlockHash       string
	From            string
	To              string
	Status          uint64
	ContractAddress string
	Logs            []LogEntry
}

func (r Receipt) Succeeded() bool {
	return r.Status == 1
}

// LogEntry represents a contract log emitted in a receipt.
type LogEntry struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Address     string
	Data        []byte
	Topics      []string
	Removed     bool
}

// Block carries the header fields needed to timestamp a record.
type Block struct {
	Number    uint64
	Hash      string
	Timestamp uint64
}
