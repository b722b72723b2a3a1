package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"txledger/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// Classification outcomes reported to the observer.
const (
	OutcomeCreated     = "created"
	OutcomeExisting    = "existing"
	OutcomeNotYetMined = "not_yet_mined"
	OutcomeError       = "error"
)

// classifyTimeout bounds one shared derivation independent of the callers
// waiting on it.
const classifyTimeout = 30 * time.Second

// Classifier resolves a hash against the node and records it in the store.
type Classifier struct {
	node      LedgerNode
	decoder   *Decoder
	store     LedgerStore
	publisher EventPublisher
	observer  Observer
	group     singleflight.Group
}

func NewClassifier(node LedgerNode, decoder *Decoder, store LedgerStore, publisher EventPublisher, observer Observer) (*Classifier, error) {
	if node == nil || decoder == nil || store == nil {
		return nil, errors.New("classifier dependencies must not be nil")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Classifier{node: node, decoder: decoder, store: store, publisher: publisher, observer: observer}, nil
}

type classifyResult struct {
	record  domain.TransactionRecord
	created bool
}

// Classify returns the stored record for hash, deriving and persisting it when
// absent. created reports whether this call wrote the record. Concurrent calls
// for one hash share a single derivation and exactly one of them reports
// created.
func (c *Classifier) Classify(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return domain.TransactionRecord{}, false, errors.New("transaction hash is required")
	}

	ctx, span := otel.Tracer("txledger/classifier").Start(ctx, "classifier.Classify")
	span.SetAttributes(attribute.String("tx.hash", hash))
	defer span.End()

	// The flight outlives any single caller; each caller only waits on its
	// own ctx. leader is set by the one call whose closure runs.
	var leader bool
	results := c.group.DoChan(hash, func() (any, error) {
		leader = true
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), classifyTimeout)
		defer cancel()
		record, created, err := c.classify(flightCtx, hash)
		return classifyResult{record: record, created: created}, err
	})

	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		c.observer.OnClassified(OutcomeError)
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return domain.TransactionRecord{}, false, ctx.Err()
	}

	if err := res.Err; err != nil {
		switch {
		case errors.Is(err, ErrNotYetMined):
			c.observer.OnClassified(OutcomeNotYetMined)
		default:
			c.observer.OnClassified(OutcomeError)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return domain.TransactionRecord{}, false, err
	}

	result := res.Val.(classifyResult)
	created := result.created && leader
	if created {
		c.observer.OnClassified(OutcomeCreated)
	} else {
		c.observer.OnClassified(OutcomeExisting)
	}
	span.SetAttributes(attribute.Bool("record.created", created))
	return result.record, created, nil
}

func (c *Classifier) classify(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	if existing, ok, err := c.store.GetRecord(ctx, hash); err != nil {
		return domain.TransactionRecord{}, false, err
	} else if ok {
		return existing, false, nil
	}

	receipt, ok, err := c.node.GetReceipt(ctx, hash)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}
	if !ok {
		return domain.TransactionRecord{}, false, ErrNotYetMined
	}

	tx, ok, err := c.node.GetTransaction(ctx, hash)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}
	if !ok {
		// A receipt without its transaction means the node is mid-reorg or
		// lagging between backends.
		return domain.TransactionRecord{}, false, fmt.Errorf("%w: receipt without transaction %s", ErrNodeUnavailable, hash)
	}

	block, err := c.node.GetBlock(ctx, receipt.BlockNumber)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}

	transfer, err := c.decoder.Decode(ctx, tx, receipt)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}

	from := receipt.From
	if from == "" {
		from = tx.From
	}
	status := domain.StatusFailed
	if receipt.Succeeded() {
		status = domain.StatusSuccess
	}

	record := domain.TransactionRecord{
		Hash:         hash,
		From:         from,
		To:           transfer.Recipient,
		Amount:       transfer.Amount,
		Asset:        transfer.Asset,
		AssetAddress: transfer.AssetAddress,
		BlockNumber:  receipt.BlockNumber,
		Nonce:        tx.Nonce,
		Status:       status,
		Timestamp:    time.Unix(int64(block.Timestamp), 0).UTC(),
	}.Normalize()

	stored, inserted, err := c.store.UpsertIfAbsentOrEqual(ctx, record)
	if err != nil {
		if errors.Is(err, ErrStoreConsistency) {
			slog.Error("ledger record mismatch", "hash", hash, "err", err)
		}
		return domain.TransactionRecord{}, false, err
	}
	if inserted {
		slog.Info("transaction classified",
			"hash", stored.Hash,
			"asset", stored.Asset,
			"amount", stored.Amount,
			"status", stored.Status,
			"block", stored.BlockNumber,
		)
		c.publish(ctx, stored)
	}
	return stored, inserted, nil
}

func (c *Classifier) publish(ctx context.Context, record domain.TransactionRecord) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishRecord(ctx, record); err != nil {
		slog.Warn("publish record failed", "hash", record.Hash, "err", err)
	}
}
