// Package kafka publishes ingest file reports to a Kafka topic so
// downstream consumers (alerting, ingest dashboards) can follow pipeline
// outcomes without polling the ledger.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"gridpoint/internal/domain"
)

// Reporter produces one message per ingested file.
// It implements pipeline.Reporter.
type Reporter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewReporter creates a Kafka producer for the report topic.
func NewReporter(brokers []string, topic string, logger *slog.Logger) *Reporter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Reporter{writer: w, logger: logger}
}

// Publish serializes and writes one file report, keyed by job ID so
// re-attempts of the same file land as distinct messages.
func (r *Reporter) Publish(ctx context.Context, report domain.FileReport) error {
	msg, err := serializeToMessage(report)
	if err != nil {
		return err
	}
	return r.writer.WriteMessages(ctx, msg)
}

func (r *Reporter) Close() error {
	return r.writer.Close()
}

// serializeToMessage marshals a FileReport into a Kafka message.
func serializeToMessage(report domain.FileReport) (kafkago.Message, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize file report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(report.JobID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(report.Status)},
			{Key: "source_id", Value: []byte(strconv.Itoa(report.File.SourceID))},
		},
	}, nil
}
