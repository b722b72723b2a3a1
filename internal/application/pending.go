package application

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"txledger/internal/domain"
)

type nonceGroup struct {
	// submissions in submission order; the last one is active.
	submissions []domain.PendingSubmission
}

func (g *nonceGroup) active() domain.PendingSubmission {
	return g.submissions[len(g.submissions)-1]
}

// Tracker holds submissions the local actor made that are not yet reflected in
// the ledger store. Entries sharing a (from, nonce) slot form a group in which
// only the newest is active; older ones stay so their receipts can still be
// checked when the original wins the race.
type Tracker struct {
	mu     sync.Mutex
	groups map[domain.NonceKey]*nonceGroup
	byHash map[string]domain.NonceKey
}

func NewTracker() *Tracker {
	return &Tracker{
		groups: make(map[domain.NonceKey]*nonceGroup),
		byHash: make(map[string]domain.NonceKey),
	}
}

func (t *Tracker) Track(sub domain.PendingSubmission) error {
	sub = sub.Normalize()
	if err := validateSubmission(sub); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if key, ok := t.byHash[sub.Hash]; ok {
		if key != sub.Key() {
			return fmt.Errorf("%w: hash %s already tracked for another nonce", ErrInvalidSubmission, sub.Hash)
		}
		return nil
	}

	key := sub.Key()
	group, ok := t.groups[key]
	if !ok {
		group = &nonceGroup{}
		t.groups[key] = group
	}
	group.submissions = append(group.submissions, sub)
	t.byHash[sub.Hash] = key
	return nil
}

// Untrack drops a single submission. It reports false for unknown hashes so
// late or duplicate invalidations are harmless.
func (t *Tracker) Untrack(hash string) bool {
	hash = strings.ToLower(hash)

	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byHash[hash]
	if !ok {
		return false
	}
	delete(t.byHash, hash)
	group := t.groups[key]
	kept := group.submissions[:0]
	for _, sub := range group.submissions {
		if sub.Hash != hash {
			kept = append(kept, sub)
		}
	}
	group.submissions = kept
	if len(group.submissions) == 0 {
		delete(t.groups, key)
	}
	return true
}

// Resolve retires the whole nonce slot once winner has been mined and reports
// the terminal state. The second call for the same slot returns false.
func (t *Tracker) Resolve(key domain.NonceKey, winner string) (domain.Resolution, bool) {
	winner = strings.ToLower(winner)
	key.From = strings.ToLower(key.From)

	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[key]
	if !ok {
		return "", false
	}

	replaced := false
	winnerIsReplacement := false
	for _, sub := range group.submissions {
		if sub.Replaces != "" {
			replaced = true
			if sub.Hash == winner {
				winnerIsReplacement = true
			}
		}
		delete(t.byHash, sub.Hash)
	}
	delete(t.groups, key)

	switch {
	case winnerIsReplacement:
		return domain.ResolutionReplacedThenConfirmed, true
	case replaced:
		return domain.ResolutionReplacedThenOriginalWon, true
	default:
		return domain.ResolutionConfirmed, true
	}
}

func (t *Tracker) Lookup(hash string) (domain.PendingSubmission, bool) {
	hash = strings.ToLower(hash)

	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byHash[hash]
	if !ok {
		return domain.PendingSubmission{}, false
	}
	for _, sub := range t.groups[key].submissions {
		if sub.Hash == hash {
			return sub, true
		}
	}
	return domain.PendingSubmission{}, false
}

// Group returns every submission in a nonce slot, oldest first.
func (t *Tracker) Group(key domain.NonceKey) []domain.PendingSubmission {
	key.From = strings.ToLower(key.From)

	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[key]
	if !ok {
		return nil
	}
	return append([]domain.PendingSubmission(nil), group.submissions...)
}

// Active returns the newest submission of every slot.
func (t *Tracker) Active() []domain.PendingSubmission {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.PendingSubmission, 0, len(t.groups))
	for _, group := range t.groups {
		out = append(out, group.active())
	}
	sortSubmissions(out)
	return out
}

// All returns every tracked submission including superseded ones.
func (t *Tracker) All() []domain.PendingSubmission {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.PendingSubmission, 0, len(t.byHash))
	for _, group := range t.groups {
		out = append(out, group.submissions...)
	}
	sortSubmissions(out)
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}

func sortSubmissions(subs []domain.PendingSubmission) {
	sort.SliceStable(subs, func(a, b int) bool {
		if subs[a].From != subs[b].From {
			return subs[a].From < subs[b].From
		}
		if subs[a].Nonce != subs[b].Nonce {
			return subs[a].Nonce < subs[b].Nonce
		}
		return subs[a].SubmittedAt.Before(subs[b].SubmittedAt)
	})
}

func validateSubmission(sub domain.PendingSubmission) error {
	switch {
	case sub.Hash == "":
		return fmt.Errorf("%w: hash is required", ErrInvalidSubmission)
	case sub.From == "":
		return fmt.Errorf("%w: from is required", ErrInvalidSubmission)
	case sub.Hash == sub.Replaces:
		return fmt.Errorf("%w: submission cannot replace itself", ErrInvalidSubmission)
	}
	if sub.FeeRate != "" {
		if _, ok := ParseWei(sub.FeeRate); !ok {
			return fmt.Errorf("%w: invalid fee rate %q", ErrInvalidSubmission, sub.FeeRate)
		}
	}
	return nil
}
