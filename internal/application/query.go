package application

import (
	"context"
	"math/big"

	"txledger/internal/domain"
)

// LedgerNode is read and submit access to the remote ledger node. Missing
// transactions and receipts are reported with ok=false and a nil error.
type LedgerNode interface {
	GetTransaction(ctx context.Context, hash string) (domain.Transaction, bool, error)
	GetReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error)
	GetBlock(ctx context.Context, number uint64) (domain.Block, error)
	EstimateFeeRate(ctx context.Context) (*big.Int, error)
}

// TokenMetadata resolves a token contract's declared decimal precision.
type TokenMetadata interface {
	TokenDecimals(ctx context.Context, contract string) (uint8, error)
}

// TransactionSender hands an unsigned transaction to the node for signing and
// broadcast and returns its hash.
type TransactionSender interface {
	SendTransaction(ctx context.Context, req SendRequest) (string, error)
}

type SendRequest struct {
	From     string
	To       string
	Value    *big.Int
	Nonce    uint64
	GasPrice *big.Int
}

// LedgerStore is the durable hash-keyed record store. UpsertIfAbsentOrEqual is
// the only write and must be atomic per hash.
type LedgerStore interface {
	GetRecord(ctx context.Context, hash string) (domain.TransactionRecord, bool, error)
	UpsertIfAbsentOrEqual(ctx context.Context, record domain.TransactionRecord) (domain.TransactionRecord, bool, error)
	QueryByParticipant(ctx context.Context, address string) ([]domain.TransactionRecord, error)
	Ping(ctx context.Context) error
}

// EventPublisher receives ledger events after they happen. Failures are logged,
// never propagated into classification.
type EventPublisher interface {
	PublishRecord(ctx context.Context, record domain.TransactionRecord) error
	PublishResolution(ctx context.Context, key domain.NonceKey, winner string, resolution domain.Resolution) error
}

// Observer is notified about classification and reconciliation outcomes.
type Observer interface {
	OnClassified(outcome string)
	OnCancellation(outcome string)
	OnPendingCount(count int)
}

type nopObserver struct{}

func (nopObserver) OnClassified(string)   {}
func (nopObserver) OnCancellation(string) {}
func (nopObserver) OnPendingCount(int)    {}
