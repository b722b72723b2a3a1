package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// One writer keeps insert-if-absent free of SQLITE_BUSY under concurrent
	// classification.
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS ledger_records (
			hash TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			amount TEXT NOT NULL,
			asset TEXT NOT NULL,
			asset_address TEXT NOT NULL DEFAULT '',
			block_number INTEGER NOT NULL,
			nonce INTEGER NOT NULL,
			status TEXT NOT NULL,
			block_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_from_idx ON ledger_records(from_addr, block_time)`,
		`CREATE INDEX IF NOT EXISTS ledger_to_idx ON ledger_records(to_addr, block_time)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	ctx, span := startDBSpan(ctx, "sqlite.GetRecord", attribute.String("tx.hash", hash))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var (
		record    domain.TransactionRecord
		status    string
		blockTime int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT hash, from_addr, to_addr, amount, asset, asset_address, block_number, nonce, status, block_time
		FROM ledger_records WHERE hash = ?`, hash).Scan(
		&record.Hash, &record.From, &record.To, &record.Amount, &record.Asset,
		&record.AssetAddress, &record.BlockNumber, &record.Nonce, &status, &blockTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransactionRecord{}, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	record.Status = domain.Status(status)
	record.Timestamp = time.Unix(blockTime, 0).UTC()
	return record, true, nil
}

func (r *Repository) UpsertIfAbsentOrEqual(ctx context.Context, record domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	record = record.Normalize()
	ctx, span := startDBSpan(ctx, "sqlite.UpsertIfAbsentOrEqual", attribute.String("tx.hash", record.Hash))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `INSERT INTO ledger_records (hash, from_addr, to_addr, amount, asset, asset_address, block_number, nonce, status, block_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		record.Hash, record.From, record.To, record.Amount, record.Asset,
		record.AssetAddress, record.BlockNumber, record.Nonce, string(record.Status), record.Timestamp.Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 1 {
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
	ctx, span := startDBSpan(ctx, "sqlite.QueryByParticipant", attribute.String("address", address))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT hash, from_addr, to_addr, amount, asset, asset_address, block_number, nonce, status, block_time
		FROM ledger_records
		WHERE from_addr = ? OR to_addr = ?
		ORDER BY block_time DESC, hash ASC`, address, address)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		var (
			record    domain.TransactionRecord
			status    string
			blockTime int64
		)
		if err := rows.Scan(
			&record.Hash, &record.From, &record.To, &record.Amount, &record.Asset,
			&record.AssetAddress, &record.BlockNumber, &record.Nonce, &status, &blockTime,
		); err != nil {
			return nil, err
		}
		record.Status = domain.Status(status)
		record.Timestamp = time.Unix(blockTime, 0).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "sqlite"))
	return otel.Tracer("txledger/sqlite").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
