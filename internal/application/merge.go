package application

import (
	"sort"
	"strings"
	"time"

	"txledger/internal/domain"
)

// Merge projects pending submissions and confirmed records into one timeline.
//
// A pending entry is suppressed when its hash is confirmed or when a confirmed
// record from the same sender already consumed its nonce. Suppression here is
// the authoritative dedup point; the tracker may still hold the entry. Pending
// entries are stamped with now so they sort first. Ties put confirmed entries
// ahead of pending ones and then order by hash. Merge is pure.
func Merge(pending []domain.PendingSubmission, confirmed []domain.TransactionRecord, now time.Time) []domain.DisplayEntry {
	confirmedHashes := make(map[string]struct{}, len(confirmed))
	consumed := make(map[domain.NonceKey]struct{}, len(confirmed))
	entries := make([]domain.DisplayEntry, 0, len(pending)+len(confirmed))
	isConfirmed := make(map[string]bool, len(pending)+len(confirmed))

	for _, record := range confirmed {
		hash := strings.ToLower(record.Hash)
		if _, dup := confirmedHashes[hash]; dup {
			continue
		}
		confirmedHashes[hash] = struct{}{}
		consumed[domain.NonceKey{From: strings.ToLower(record.From), Nonce: record.Nonce}] = struct{}{}
		entries = append(entries, domain.EntryFromRecord(record))
		isConfirmed[hash] = true
	}

	seenPending := make(map[string]struct{}, len(pending))
	for _, sub := range pending {
		sub = sub.Normalize()
		if _, ok := confirmedHashes[sub.Hash]; ok {
			continue
		}
		if _, ok := consumed[sub.Key()]; ok {
			continue
		}
		if _, dup := seenPending[sub.Hash]; dup {
			continue
		}
		seenPending[sub.Hash] = struct{}{}
		entries = append(entries, domain.EntryFromPending(sub, now))
	}

	sort.SliceStable(entries, func(a, b int) bool {
		ta, tb := entries[a].Timestamp, entries[b].Timestamp
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		ca, cb := isConfirmed[strings.ToLower(entries[a].Hash)], isConfirmed[strings.ToLower(entries[b].Hash)]
		if ca != cb {
			return ca
		}
		return entries[a].Hash < entries[b].Hash
	})
	return entries
}
