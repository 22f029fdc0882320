//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/file"
	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/kafka"
	"github.com/couchcryptid/storm-overdose-lag/internal/analysis"
	"github.com/couchcryptid/storm-overdose-lag/internal/config"
	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
	"github.com/couchcryptid/storm-overdose-lag/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testTopic = "test-lag-results"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// startKafka runs a single-node broker and returns its bootstrap address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("lag-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

// TestKafkaSinkEndToEnd runs the study over the pipeline fixtures with the
// Kafka sink enabled and reads every published row back.
func TestKafkaSinkEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testTopic)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaTopic: testTopic, KafkaEnabled: true}
	logger := discardLogger()
	metrics := observability.NewMetrics()

	writer := kafka.NewWriter(cfg, logger)
	t.Cleanup(func() { _ = writer.Close() })

	fixtures := filepath.Join("..", "pipeline", "testdata")
	p := pipeline.New(
		loader.New(logger, metrics),
		analysis.New(analysis.DefaultOptions(), logger, metrics),
		[]pipeline.Sink{file.NewWriter(t.TempDir(), logger), writer},
		pipeline.Options{
			Paths: loader.Paths{
				Storms:    filepath.Join(fixtures, "storms.csv"),
				Mortality: filepath.Join(fixtures, "mortality.csv"),
			},
			SignificanceLevel: domain.DefaultSignificanceLevel,
		},
		logger, metrics,
	)

	out, err := p.Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{broker},
		Topic:     testTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	seen := make(map[string]domain.LagResult, len(out.Results))
	for range out.Results {
		readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := consumer.ReadMessage(readCtx)
		readCancel()
		require.NoError(t, err, "read from results topic")

		var r domain.LagResult
		require.NoError(t, json.Unmarshal(msg.Value, &r))
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		assert.Equal(t, kafka.MessageKey(r), string(msg.Key))
		assert.Equal(t, strconv.Itoa(r.LagMonths), headers["lag_months"])
		assert.Equal(t, r.CountyFIPS, headers["county_fips"])
		seen[string(msg.Key)] = r
	}

	require.Len(t, seen, len(out.Results))
	for _, r := range out.Results {
		got, ok := seen[kafka.MessageKey(r)]
		require.True(t, ok, kafka.MessageKey(r))
		assert.Equal(t, r.PctChange, got.PctChange)
		assert.True(t, r.StormDate.Equal(got.StormDate))
	}
}
