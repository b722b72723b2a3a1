package application

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"txledger/internal/domain"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	usdc  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
)

var blockTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeNode struct {
	mu            sync.Mutex
	txs           map[string]domain.Transaction
	receipts      map[string]domain.Receipt
	blocks        map[uint64]domain.Block
	decimals      map[string]uint8
	decimalsCalls int
	feeRate       *big.Int
	nextNonce     map[string]uint64
	sendErr       error
	sendHash      string
	sent          []SendRequest

	// receiptGate, when set, holds every GetReceipt until closed.
	receiptGate  chan struct{}
	receiptEntry chan struct{}
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		txs:       make(map[string]domain.Transaction),
		receipts:  make(map[string]domain.Receipt),
		blocks:    make(map[uint64]domain.Block),
		decimals:  make(map[string]uint8),
		feeRate:   big.NewInt(50),
		nextNonce: make(map[string]uint64),
	}
}

// mine makes tx visible with a receipt in block number at blockTime plus the
// block number in seconds.
func (n *fakeNode) mine(tx domain.Transaction, number uint64, succeeded bool, logs ...domain.LogEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status := uint64(0)
	if succeeded {
		status = 1
	}
	tx.BlockNumber = number
	n.txs[tx.Hash] = tx
	n.receipts[tx.Hash] = domain.Receipt{
		TxHash:      tx.Hash,
		BlockNumber: number,
		From:        tx.From,
		To:          tx.To,
		Status:      status,
		Logs:        logs,
	}
	n.blocks[number] = domain.Block{Number: number, Timestamp: uint64(blockTime.Unix()) + number}
	if tx.Nonce+1 > n.nextNonce[tx.From] {
		n.nextNonce[tx.From] = tx.Nonce + 1
	}
}

func (n *fakeNode) GetTransaction(_ context.Context, hash string) (domain.Transaction, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tx, ok := n.txs[hash]
	return tx, ok, nil
}

// gate blocks receipt lookups until release is called. entered fires once per
// lookup that reaches the gate.
func (n *fakeNode) gate() (entered <-chan struct{}, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receiptGate = make(chan struct{})
	n.receiptEntry = make(chan struct{}, 64)
	return n.receiptEntry, func() { close(n.receiptGate) }
}

func (n *fakeNode) GetReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	n.mu.Lock()
	gate, entry := n.receiptGate, n.receiptEntry
	n.mu.Unlock()
	if gate != nil {
		entry <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Receipt{}, false, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	receipt, ok := n.receipts[hash]
	return receipt, ok, nil
}

func (n *fakeNode) GetBlock(_ context.Context, number uint64) (domain.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	block, ok := n.blocks[number]
	if !ok {
		return domain.Block{}, fmt.Errorf("%w: block %d", ErrNodeUnavailable, number)
	}
	return block, nil
}

func (n *fakeNode) EstimateFeeRate(context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.feeRate), nil
}

func (n *fakeNode) TokenDecimals(_ context.Context, contract string) (uint8, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decimalsCalls++
	decimals, ok := n.decimals[contract]
	if !ok {
		return 0, fmt.Errorf("%w: decimals() reverted", ErrNodeUnavailable)
	}
	return decimals, nil
}

func (n *fakeNode) ConfirmedNonce(_ context.Context, address string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextNonce[strings.ToLower(address)], nil
}

func (n *fakeNode) SendTransaction(_ context.Context, req SendRequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, req)
	if n.sendErr != nil {
		return "", n.sendErr
	}
	return n.sendHash, nil
}

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.TransactionRecord
	inserts int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.TransactionRecord)}
}

func (s *memStore) GetRecord(_ context.Context, hash string) (domain.TransactionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[strings.ToLower(hash)]
	return record, ok, nil
}

func (s *memStore) UpsertIfAbsentOrEqual(_ context.Context, record domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	record = record.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[record.Hash]
	if !ok {
		s.records[record.Hash] = record
		s.inserts++
		return record, true, nil
	}
	if !stored.Equal(record) {
		return stored, false, fmt.Errorf("%w: hash %s", ErrStoreConsistency, record.Hash)
	}
	return stored, false, nil
}

func (s *memStore) QueryByParticipant(_ context.Context, address string) ([]domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransactionRecord
	for _, record := range s.records {
		if record.Touches(address) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].Timestamp.After(out[b].Timestamp)
		}
		return out[a].Hash < out[b].Hash
	})
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) snapshot() map[string]domain.TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.TransactionRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

type resolutionEvent struct {
	key        domain.NonceKey
	winner     string
	resolution domain.Resolution
}

type recordingPublisher struct {
	mu          sync.Mutex
	records     []domain.TransactionRecord
	resolutions []resolutionEvent
}

func (p *recordingPublisher) PublishRecord(_ context.Context, record domain.TransactionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *recordingPublisher) PublishResolution(_ context.Context, key domain.NonceKey, winner string, resolution domain.Resolution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolutions = append(p.resolutions, resolutionEvent{key: key, winner: winner, resolution: resolution})
	return nil
}

type countingObserver struct {
	mu            sync.Mutex
	classified    map[string]int
	cancellations map[string]int
	pending       int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{classified: make(map[string]int), cancellations: make(map[string]int)}
}

func (o *countingObserver) OnClassified(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.classified[outcome]++
}

func (o *countingObserver) OnCancellation(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancellations[outcome]++
}

func (o *countingObserver) OnPendingCount(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = count
}

// hexHash pads n into a 32-byte transaction hash.
func hexHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// addressTopic left-pads an address into an indexed log topic.
func addressTopic(address string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(address, "0x")
}

// uint256Word encodes v as a single ABI word.
func uint256Word(v *big.Int) []byte {
	word := make([]byte, 32)
	v.FillBytes(word)
	return word
}

func transferLog(contract, from, to string, value *big.Int) domain.LogEntry {
	return domain.LogEntry{
		Address: contract,
		Topics:  []string{TransferEventTopic, addressTopic(from), addressTopic(to)},
		Data:    uint256Word(value),
	}
}

func ether(whole, tenths int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	return wei.Mul(wei, big.NewInt(whole*10+tenths))
}
