package domain

import "time"

// DisplayEntry is the common projection of records and pending submissions.
type DisplayEntry struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Asset     string    `json:"asset"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func EntryFromRecord(r TransactionRecord) DisplayEntry {
	return DisplayEntry{
		Hash:      r.Hash,
		From:      r.From,
		To:        r.To,
		Amount:    r.Amount,
		Asset:     r.Asset,
		Status:    r.Status,
		Timestamp: r.Timestamp,
	}
}

func EntryFromPending(p PendingSubmission, now time.Time) DisplayEntry {
	return DisplayEntry{
		Hash:      p.Hash,
		From:      p.From,
		To:        p.To,
		Amount:    p.Amount,
		Asset:     p.Asset,
		Status:    StatusPending,
		Timestamp: now,
	}
}
