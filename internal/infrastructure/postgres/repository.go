package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(cctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	repo := &Repository{pool: pool}
	if err := repo.EnsureSchema(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS ledger_records (
  hash TEXT PRIMARY KEY,
  from_addr TEXT NOT NULL,
  to_addr TEXT NOT NULL,
  amount TEXT NOT NULL,
  asset TEXT NOT NULL,
  asset_address TEXT NOT NULL DEFAULT '',
  block_number BIGINT NOT NULL,
  nonce BIGINT NOT NULL,
  status TEXT NOT NULL,
  block_time BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_from_idx ON ledger_records(from_addr, block_time DESC);
CREATE INDEX IF NOT EXISTS ledger_to_idx ON ledger_records(to_addr, block_time DESC);
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Repository) GetRecord(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	ctx, span := startDBSpan(ctx, "postgres.GetRecord", attribute.String("tx.hash", hash))
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	row := r.pool.QueryRow(cctx, `
SELECT hash, from_addr, to_addr, amount, asset, asset_address, block_number, nonce, status, block_time
FROM ledger_records WHERE hash = $1`, hash)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransactionRecord{}, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	return record, true, nil
}

func (r *Repository) UpsertIfAbsentOrEqual(ctx context.Context, record domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	record = record.Normalize()
	ctx, span := startDBSpan(ctx, "postgres.UpsertIfAbsentOrEqual", attribute.String("tx.hash", record.Hash))
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.pool.Exec(cctx, `
INSERT INTO ledger_records(
  hash, from_addr, to_addr, amount, asset, asset_address,
  block_number, nonce, status, block_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT(hash) DO NOTHING`,
		record.Hash, record.From, record.To, record.Amount, record.Asset, record.AssetAddress,
		int64(record.BlockNumber), int64(record.Nonce), string(record.Status), record.Timestamp.Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return record, true, nil
	}

	stored, ok, err := r.GetRecord(ctx, record.Hash)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}
	if !ok {
		return domain.TransactionRecord{}, false, fmt.Errorf("insert of %s skipped but no row found", record.Hash)
	}
	if !stored.Equal(record) {
		err := fmt.Errorf("%w: hash %s", application.ErrStoreConsistency, record.Hash)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stored, false, err
	}
	return stored, false, nil
}

func (r *Repository) QueryByParticipant(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	ctx, span := startDBSpan(ctx, "postgres.QueryByParticipant", attribute.String("address", address))
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(cctx, `
SELECT hash, from_addr, to_addr, amount, asset, asset_address, block_number, nonce, status, block_time
FROM ledger_records
WHERE from_addr = $1 OR to_addr = $1
ORDER BY block_time DESC, hash ASC`, address)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *Repository) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.pool.Ping(cctx)
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (domain.TransactionRecord, error) {
	var (
		record      domain.TransactionRecord
		status      string
		blockNumber int64
		nonce       int64
		blockTime   int64
	)
	if err := row.Scan(
		&record.Hash, &record.From, &record.To, &record.Amount, &record.Asset, &record.AssetAddress,
		&blockNumber, &nonce, &status, &blockTime,
	); err != nil {
		return domain.TransactionRecord{}, err
	}
	record.BlockNumber = uint64(blockNumber)
	record.Nonce = uint64(nonce)
	record.Status = domain.Status(status)
	record.Timestamp = time.Unix(blockTime, 0).UTC()
	return record, nil
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return otel.Tracer("txledger/postgres").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
