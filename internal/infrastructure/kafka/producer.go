package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"txledger/internal/domain"
	"txledger/internal/infrastructure/telemetry"
	"txledger/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const writeBatchTimeout = 10 * time.Millisecond

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "txledger-events"
	}
	// Events are written one at a time on the classify path, so a batch
	// never fills and the timeout is the write latency.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           writeBatchTimeout,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, topic: cfg.Topic, now: time.Now}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishRecord emits record.classified keyed by hash.
func (p *Producer) PublishRecord(ctx context.Context, record domain.TransactionRecord) error {
	ctx, span := otel.Tracer("txledger/kafka").Start(ctx, "kafka.publish_record", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("tx.hash", record.Hash),
		attribute.String("asset", record.Asset),
	)

	return p.write(ctx, span, record.Hash, streaming.Event{
		Type:         streaming.EventRecordClassified,
		Hash:         record.Hash,
		From:         record.From,
		To:           record.To,
		Amount:       record.Amount,
		Asset:        record.Asset,
		AssetAddress: record.AssetAddress,
		BlockNumber:  record.BlockNumber,
		Nonce:        record.Nonce,
		Status:       string(record.Status),
		Timestamp:    record.Timestamp,
	})
}

// PublishResolution emits submission.resolved keyed by the sender so events
// for one account stay ordered within a partition.
func (p *Producer) PublishResolution(ctx context.Context, key domain.NonceKey, winner string, resolution domain.Resolution) error {
	ctx, span := otel.Tracer("txledger/kafka").Start(ctx, "kafka.publish_resolution", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("from", key.From),
		attribute.Int64("nonce", int64(key.Nonce)),
		attribute.String("resolution", string(resolution)),
	)

	return p.write(ctx, span, key.From, streaming.Event{
		Type:       streaming.EventSubmissionResolved,
		From:       key.From,
		Nonce:      key.Nonce,
		Winner:     winner,
		Resolution: string(resolution),
	})
}

func (p *Producer) write(ctx context.Context, span trace.Span, key string, event streaming.Event) error {
	event.OccurredAt = p.now().UTC()
	if sc := span.SpanContext(); sc.HasTraceID() {
		event.TraceID = sc.TraceID().String()
	}

	payload, err := streaming.Encode(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	headers := make([]kafka.Header, 0, 2)
	telemetry.InjectKafkaHeaders(ctx, &headers)

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
