// Package main is the FleetLog bridge ingester: a Kafka consumer that
// drains device telemetry topics and forwards events to the FleetLog batch
// endpoint.
//
// Fleet gateways that buffer events through Kafka use this bridge instead of
// talking to the HTTP surface directly. The bridge batches up to the API
// batch limit, attaches a deterministic idempotency key per batch so a crash
// between POST and offset commit cannot double-ingest, and commits offsets
// only after FleetLog acknowledged the batch.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fleetlog-io/fleetlog/internal/config"
)

const (
	defaultBatchSize    = 100
	defaultFlushTimeout = 5 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
)

type (
	// ingesterConfig holds the bridge configuration, all from environment
	// variables with explicit defaults.
	ingesterConfig struct {
		Brokers      []string
		Topic        string
		GroupID      string
		TargetURL    string
		APIToken     string
		BatchSize    int
		FlushTimeout time.Duration
	}

	// bridge consumes one topic and forwards batches to FleetLog.
	bridge struct {
		config ingesterConfig
		reader *kafka.Reader
		client *http.Client
		logger *slog.Logger
	}

	// batchEnvelope mirrors the FleetLog batch request body.
	batchEnvelope struct {
		Events []json.RawMessage `json:"events"`
	}
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ingester: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadIngesterConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("INGESTER_LOG_LEVEL", slog.LevelInfo),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &bridge{
		config: cfg,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}),
		client: &http.Client{Timeout: defaultHTTPTimeout},
		logger: logger,
	}
	defer b.reader.Close()

	logger.Info("Starting FleetLog bridge ingester",
		slog.String("topic", cfg.Topic),
		slog.String("group_id", cfg.GroupID),
		slog.String("target_url", cfg.TargetURL),
		slog.Int("batch_size", cfg.BatchSize),
	)

	return b.consume(ctx)
}

func loadIngesterConfig() (ingesterConfig, error) {
	cfg := ingesterConfig{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("INGESTER_KAFKA_BROKERS", "localhost:9092")),
		Topic:        config.GetEnvStr("INGESTER_KAFKA_TOPIC", "eld-events"),
		GroupID:      config.GetEnvStr("INGESTER_KAFKA_GROUP_ID", "fleetlog-ingester"),
		TargetURL:    config.GetEnvStr("INGESTER_TARGET_URL", "http://localhost:8080"),
		APIToken:     config.GetEnvStr("INGESTER_API_TOKEN", ""),
		BatchSize:    config.GetEnvInt("INGESTER_BATCH_SIZE", defaultBatchSize),
		FlushTimeout: config.GetEnvDuration("INGESTER_FLUSH_TIMEOUT", defaultFlushTimeout),
	}

	if cfg.APIToken == "" {
		return cfg, errors.New("INGESTER_API_TOKEN is required")
	}

	if cfg.BatchSize <= 0 || cfg.BatchSize > defaultBatchSize {
		cfg.BatchSize = defaultBatchSize
	}

	return cfg, nil
}

// consume reads messages until the context is cancelled, forwarding a batch
// whenever it fills or the flush timeout passes with messages pending.
func (b *bridge) consume(ctx context.Context) error {
	pending := make([]kafka.Message, 0, b.config.BatchSize)

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, b.config.FlushTimeout)
		msg, err := b.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			pending = append(pending, msg)
			if len(pending) < b.config.BatchSize {
				continue
			}

		case ctx.Err() != nil:
			// Shutdown: flush what we hold, then stop.
			if len(pending) > 0 {
				b.flush(context.WithoutCancel(ctx), pending)
			}

			b.logger.Info("Ingester shutting down")

			return nil

		case errors.Is(err, context.DeadlineExceeded):
			if len(pending) == 0 {
				continue
			}

		default:
			b.logger.Error("Kafka fetch failed", slog.String("error", err.Error()))

			continue
		}

		b.flush(ctx, pending)
		pending = pending[:0]
	}
}

// flush forwards one batch and commits its offsets on success. A rejected
// batch is committed anyway: FleetLog has vault-captured and dead-lettered
// what it could not ingest, so redelivery would only duplicate records.
func (b *bridge) flush(ctx context.Context, msgs []kafka.Message) {
	events := make([]json.RawMessage, 0, len(msgs))

	for _, msg := range msgs {
		if !json.Valid(msg.Value) {
			b.logger.Warn("Dropping non-JSON message",
				slog.Int64("offset", msg.Offset),
				slog.Int("partition", msg.Partition),
			)

			continue
		}

		events = append(events, json.RawMessage(msg.Value))
	}

	if len(events) > 0 {
		if err := b.post(ctx, events, batchKey(msgs)); err != nil {
			b.logger.Error("Batch forward failed, offsets not committed",
				slog.Int("events", len(events)),
				slog.String("error", err.Error()),
			)

			return
		}
	}

	if err := b.reader.CommitMessages(ctx, msgs...); err != nil {
		b.logger.Error("Offset commit failed", slog.String("error", err.Error()))
	}
}

// post sends one batch to the FleetLog batch endpoint.
func (b *bridge) post(ctx context.Context, events []json.RawMessage, idempotencyKey string) error {
	body, err := json.Marshal(batchEnvelope{Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.config.TargetURL+"/v1/events/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.config.APIToken)
	req.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	// 201, 207, and 400 all mean FleetLog processed the batch and owns
	// every event's fate; only 5xx warrants redelivery.
	if resp.StatusCode >= http.StatusInternalServerError {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("fleetlog answered %d: %s", resp.StatusCode, snippet)
	}

	b.logger.Info("Batch forwarded",
		slog.Int("events", len(events)),
		slog.Int("status", resp.StatusCode),
	)

	return nil
}

// batchKey derives a deterministic idempotency key from the batch's first
// and last offsets, so a crash between POST and commit replays as an
// idempotent retry instead of a duplicate ingest.
func batchKey(msgs []kafka.Message) string {
	first, last := msgs[0], msgs[len(msgs)-1]
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%d:%d", first.Topic, first.Partition, first.Offset, last.Offset))

	return "kafka-" + hex.EncodeToString(sum[:16])
}
