package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/couchcryptid/storm-overdose-lag/internal/config"
	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"
	kafkago "github.com/segmentio/kafka-go"
)

// batchSize caps the messages handed to one WriteMessages call.
const batchSize = 500

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes lag results to a Kafka topic, one message per row.
// It implements pipeline.Sink.
type Writer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured results topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, topic: cfg.KafkaTopic, logger: logger}
}

// Name identifies the sink in logs.
func (w *Writer) Name() string { return "kafka" }

// Store serializes and publishes every result. Messages for one storm share a
// partition because the key is derived from the storm ID.
func (w *Writer) Store(ctx context.Context, results []domain.LagResult, _ report.Summary) error {
	for start := 0; start < len(results); start += batchSize {
		end := min(start+batchSize, len(results))
		msgs := make([]kafkago.Message, 0, end-start)
		for _, r := range results[start:end] {
			msg, err := serializeToMessage(r)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("publish lag results to %s: %w", w.topic, err)
		}
	}
	w.logger.Info("published lag results", "topic", w.topic, "count", len(results))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// MessageKey is the Kafka key of a result row: "<storm_id>-<lag>".
func MessageKey(r domain.LagResult) string {
	return r.StormID + "-" + strconv.Itoa(r.LagMonths)
}

// serializeToMessage marshals a LagResult into a Kafka message.
func serializeToMessage(r domain.LagResult) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize lag result %s: %w", MessageKey(r), err)
	}
	return kafkago.Message{
		Key:   []byte(MessageKey(r)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "lag_months", Value: []byte(strconv.Itoa(r.LagMonths))},
			{Key: "county_fips", Value: []byte(r.CountyFIPS)},
		},
	}, nil
}
