package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"txledger/internal/domain"

	"github.com/lightningnetwork/lnd/clock"
)

// NonceReader reports how many transactions from an address are mined, i.e.
// the next nonce the chain expects.
type NonceReader interface {
	ConfirmedNonce(ctx context.Context, address string) (uint64, error)
}

type SessionConfig struct {
	// SettlementDelay keeps a confirmed submission displayed as pending for a
	// while after its record is observed. It only affects the view.
	SettlementDelay time.Duration
}

type settlement struct {
	key    domain.NonceKey
	winner string
	at     time.Time
}

// Session ties the tracker, classifier, store and canceller together for one
// wallet actor. It owns the settlement schedule; the store never sees it.
type Session struct {
	tracker    *Tracker
	classifier *Classifier
	store      LedgerStore
	canceller  *Canceller
	nonces     NonceReader
	publisher  EventPublisher
	observer   Observer
	clock      clock.Clock
	cfg        SessionConfig

	mu       sync.Mutex
	settling map[domain.NonceKey]settlement
}

func NewSession(tracker *Tracker, classifier *Classifier, store LedgerStore, canceller *Canceller, nonces NonceReader, publisher EventPublisher, observer Observer, clk clock.Clock, cfg SessionConfig) (*Session, error) {
	if tracker == nil || classifier == nil || store == nil || canceller == nil {
		return nil, errors.New("session dependencies must not be nil")
	}
	if cfg.SettlementDelay < 0 {
		return nil, fmt.Errorf("settlement delay must not be negative: %s", cfg.SettlementDelay)
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Session{
		tracker:    tracker,
		classifier: classifier,
		store:      store,
		canceller:  canceller,
		nonces:     nonces,
		publisher:  publisher,
		observer:   observer,
		clock:      clk,
		cfg:        cfg,
		settling:   make(map[domain.NonceKey]settlement),
	}, nil
}

func (s *Session) Tracker() *Tracker {
	return s.tracker
}

// Submit starts tracking a submission the actor broadcast.
func (s *Session) Submit(sub domain.PendingSubmission) error {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.clock.Now().UTC()
	}
	if err := s.tracker.Track(sub); err != nil {
		return err
	}
	s.observer.OnPendingCount(s.tracker.Len())
	return nil
}

// Refresh classifies every tracked hash once. Unmined hashes and node errors
// leave their entries pending; only store consistency violations are returned.
func (s *Session) Refresh(ctx context.Context) error {
	var errs []error
	seen := make(map[domain.NonceKey]struct{})
	for _, sub := range s.tracker.All() {
		key := sub.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := s.refreshGroup(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	s.settle(ctx)
	return errors.Join(errs...)
}

func (s *Session) refreshGroup(ctx context.Context, key domain.NonceKey) error {
	// The nonce is read before the receipts: if it is already consumed and no
	// receipt shows up afterwards, none of our hashes can be the winner.
	var (
		consumed  bool
		nonceRead bool
	)
	if s.nonces != nil {
		next, err := s.nonces.ConfirmedNonce(ctx, key.From)
		if err != nil {
			slog.Debug("nonce lookup failed", "from", key.From, "err", err)
		} else {
			nonceRead = true
			consumed = next > key.Nonce
		}
	}

	for _, sub := range s.tracker.Group(key) {
		record, _, err := s.classifier.Classify(ctx, sub.Hash)
		switch {
		case err == nil:
			s.observeConfirmed(key, record.Hash)
			return nil
		case errors.Is(err, ErrNotYetMined):
			continue
		case errors.Is(err, ErrStoreConsistency):
			return err
		default:
			slog.Warn("classify pending submission failed", "hash", sub.Hash, "err", err)
			return nil
		}
	}

	if nonceRead && consumed {
		s.dropGroup(ctx, key)
	}
	return nil
}

// dropGroup retires a slot whose nonce was consumed by a transaction none of
// our hashes correspond to.
func (s *Session) dropGroup(ctx context.Context, key domain.NonceKey) {
	dropped := s.tracker.Group(key)
	for _, sub := range dropped {
		s.tracker.Untrack(sub.Hash)
	}
	if len(dropped) == 0 {
		return
	}
	slog.Info("pending submission dropped", "from", key.From, "nonce", key.Nonce, "hashes", len(dropped))
	s.observer.OnPendingCount(s.tracker.Len())
}

// observeConfirmed schedules the settlement of a slot that is still tracked.
// A slot resolved concurrently is left alone so its record is not held back.
func (s *Session) observeConfirmed(key domain.NonceKey, winner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settling[key]; ok {
		return
	}
	if len(s.tracker.Group(key)) == 0 {
		return
	}
	s.settling[key] = settlement{
		key:    key,
		winner: strings.ToLower(winner),
		at:     s.clock.Now().Add(s.cfg.SettlementDelay),
	}
}

// settle performs the delayed pending-to-confirmed transition for every slot
// whose grace window has elapsed.
func (s *Session) settle(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []settlement
	for key, st := range s.settling {
		if !now.Before(st.at) {
			due = append(due, st)
			delete(s.settling, key)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		resolution, ok := s.tracker.Resolve(st.key, st.winner)
		if !ok {
			continue
		}
		slog.Info("pending submission settled",
			"from", st.key.From,
			"nonce", st.key.Nonce,
			"winner", st.winner,
			"resolution", resolution,
		)
		if s.publisher != nil {
			if err := s.publisher.PublishResolution(ctx, st.key, st.winner, resolution); err != nil {
				slog.Warn("publish resolution failed", "winner", st.winner, "err", err)
			}
		}
	}
	if len(due) > 0 {
		s.observer.OnPendingCount(s.tracker.Len())
	}
}

// View returns the merged timeline for address. Pending and confirmed inputs
// are captured before merging; records of slots still inside their settlement
// window are held back so their pending entry keeps showing.
func (s *Session) View(ctx context.Context, address string) ([]domain.DisplayEntry, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	s.settle(ctx)

	var pending []domain.PendingSubmission
	for _, sub := range s.tracker.Active() {
		if sub.From == address || sub.To == address {
			pending = append(pending, sub)
		}
	}

	records, err := s.store.QueryByParticipant(ctx, address)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		key := domain.NonceKey{From: strings.ToLower(record.From), Nonce: record.Nonce}
		s.observeConfirmed(key, record.Hash)
	}
	s.settle(ctx)

	now := s.clock.Now()
	s.mu.Lock()
	confirmed := make([]domain.TransactionRecord, 0, len(records))
	for _, record := range records {
		key := domain.NonceKey{From: strings.ToLower(record.From), Nonce: record.Nonce}
		// Only a slot the tracker still shows as pending may hide its record.
		if st, ok := s.settling[key]; ok && now.Before(st.at) && len(s.tracker.Group(key)) > 0 {
			continue
		}
		confirmed = append(confirmed, record)
	}
	s.mu.Unlock()

	return Merge(pending, confirmed, now.UTC()), nil
}

type CancelResult struct {
	Replacement domain.PendingSubmission
	// Winner is set when the cancellation lost the race and the mined record
	// was found.
	Winner *domain.TransactionRecord
}

// Cancel replaces the active submission of hash's nonce slot. When the nonce
// was already consumed it re-checks the slot's receipts and returns
// ErrNonceRace with the winning record, if any.
func (s *Session) Cancel(ctx context.Context, hash string) (CancelResult, error) {
	sub, ok := s.tracker.Lookup(hash)
	if !ok {
		return CancelResult{}, fmt.Errorf("%w: %s", ErrNotTracked, hash)
	}
	key := sub.Key()
	group := s.tracker.Group(key)
	if len(group) > 0 {
		sub = group[len(group)-1]
	}

	replacement, err := s.canceller.Cancel(ctx, sub)
	if err != nil {
		if !errors.Is(err, ErrNonceRace) {
			return CancelResult{}, err
		}
		winner := s.reconcileRace(ctx, key)
		return CancelResult{Winner: winner}, err
	}

	if err := s.tracker.Track(replacement); err != nil {
		return CancelResult{}, err
	}
	s.observer.OnPendingCount(s.tracker.Len())
	return CancelResult{Replacement: replacement}, nil
}

func (s *Session) reconcileRace(ctx context.Context, key domain.NonceKey) *domain.TransactionRecord {
	for _, sub := range s.tracker.Group(key) {
		record, _, err := s.classifier.Classify(ctx, sub.Hash)
		if err != nil {
			if !errors.Is(err, ErrNotYetMined) {
				slog.Warn("nonce race re-check failed", "hash", sub.Hash, "err", err)
			}
			continue
		}
		s.observeConfirmed(key, record.Hash)
		s.settle(ctx)
		return &record
	}
	return nil
}

// Run refreshes on every interval tick until ctx is done. How long a
// confirmation is waited for is up to the caller's context.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive: %s", interval)
	}
	for {
		if err := s.Refresh(ctx); err != nil {
			slog.Error("session refresh", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.TickAfter(interval):
		}
	}
}
