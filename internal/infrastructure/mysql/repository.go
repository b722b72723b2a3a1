package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const recordColumns = `hash, from_addr, to_addr, amount, asset, asset_address, block_number, nonce, status, block_time`

type Repository struct {
	db *sql.DB
}

func NewRepository(dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS ledger_records (
			hash VARCHAR(66) NOT NULL,
			from_addr VARCHAR(42) NOT NULL,
			to_addr VARCHAR(42) NOT NULL,
			amount VARCHAR(100) NOT NULL,
			asset VARCHAR(64) NOT NULL,
			asset_address VARCHAR(42) NOT NULL DEFAULT '',
			block_number BIGINT UNSIGNED NOT NULL,
			nonce BIGINT UNSIGNED NOT NULL,
			status VARCHAR(16) NOT NULL,
			block_time BIGINT NOT NULL,
			PRIMARY KEY (hash),
			KEY ledger_from_idx (from_addr, block_time),
			KEY ledger_to_idx (to_addr, block_time)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.GetRecord", attribute.String("tx.hash", hash))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE hash = ?`, hash)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransactionRecord{}, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	return record, true, nil
}

// UpsertIfAbsentOrEqual inserts record unless its hash exists. An existing row
// is returned as-is when it matches and reported as a consistency violation
// when it does not.
func (r *Repository) UpsertIfAbsentOrEqual(ctx context.Context, record domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	record = record.Normalize()
	ctx, span := startDBSpan(ctx, "mysql.UpsertIfAbsentOrEqual", attribute.String("tx.hash", record.Hash))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO ledger_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Hash,
		record.From,
		record.To,
		record.Amount,
		record.Asset,
		record.AssetAddress,
		record.BlockNumber,
		record.Nonce,
		string(record.Status),
		record.Timestamp.Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
	}
	if affected == 1 {
		span.SetAttributes(attribute.Bool("record.inserted", true))
		return record, true, nil
	}

	stored, ok, err := r.GetRecord(ctx, record.Hash)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}
	if !ok {
		err := fmt.Errorf("insert of %s ignored but no row found", record.Hash)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TransactionRecord{}, false, err
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
	ctx, span := startDBSpan(ctx, "mysql.QueryByParticipant", attribute.String("address", address))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM ledger_records
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
		record, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("record.count", len(records)))
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.TransactionRecord, error) {
	var (
		record    domain.TransactionRecord
		status    string
		blockTime int64
	)
	if err := row.Scan(
		&record.Hash,
		&record.From,
		&record.To,
		&record.Amount,
		&record.Asset,
		&record.AssetAddress,
		&record.BlockNumber,
		&record.Nonce,
		&status,
		&blockTime,
	); err != nil {
		return domain.TransactionRecord{}, err
	}
	record.Status = domain.Status(status)
	record.Timestamp = time.Unix(blockTime, 0).UTC()
	return record, nil
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("txledger/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
