package domain

import (
	"strings"
	"time"
)

// PendingSubmission is a transaction the local actor submitted that is not yet
// backed by a TransactionRecord. Replaces is set on cancellation replacements.
type PendingSubmission struct {
	Hash        string    `json:"hash"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
	FeeRate     string    `json:"fee_rate"`
	Replaces    string    `json:"replaces,omitempty"`
}

func (p PendingSubmission) Normalize() PendingSubmission {
	p.Hash = strings.ToLower(p.Hash)
	p.From = strings.ToLower(p.From)
	p.To = strings.ToLower(p.To)
	p.Replaces = strings.ToLower(p.Replaces)
	return p
}

// NonceKey identifies the sender-scoped slot a submission occupies.
type NonceKey struct {
	From  string
	Nonce uint64
}

func (p PendingSubmission) Key() NonceKey {
	return NonceKey{From: strings.ToLower(p.From), Nonce: p.Nonce}
}

// Resolution is the terminal state reached by a nonce slot.
type Resolution string

const (
	ResolutionConfirmed               Resolution = "Confirmed"
	ResolutionReplacedThenConfirmed   Resolution = "ReplacedThenConfirmed"
	ResolutionReplacedThenOriginalWon Resolution = "ReplacedThenOriginalWon"
)
