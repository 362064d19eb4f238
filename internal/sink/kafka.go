package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultSinkTopic        = "genrelay.observations"
	defaultSinkBatchTimeout = 50 * time.Millisecond
	defaultSinkWriteTimeout = 5 * time.Second
	defaultSinkMaxAttempts  = 3
)

var (
	// ErrNoBrokers is returned when a Kafka sink is configured without brokers.
	ErrNoBrokers = errors.New("kafka sink requires at least one broker")

	// ErrTopicEmpty is returned when a Kafka sink is configured without a topic.
	ErrTopicEmpty = errors.New("kafka sink topic cannot be empty")
)

// Config holds observability sink configuration.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration

	// Async makes Publish enqueue and return; delivery failures are logged and counted.
	Async bool
}

// LoadConfig loads sink configuration from environment variables.
// An empty GENRELAY_SINK_BROKERS means events only go to the log sink.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("GENRELAY_SINK_BROKERS", "")),
		Topic:        config.GetEnvStr("GENRELAY_SINK_TOPIC", defaultSinkTopic),
		BatchTimeout: config.GetEnvDuration("GENRELAY_SINK_BATCH_TIMEOUT", defaultSinkBatchTimeout),
		WriteTimeout: config.GetEnvDuration("GENRELAY_SINK_WRITE_TIMEOUT", defaultSinkWriteTimeout),
		Async:        config.GetEnvBool("GENRELAY_SINK_ASYNC", true),
	}
}

// Enabled reports whether a broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the Kafka settings.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrTopicEmpty
	}

	return nil
}

// KafkaSink publishes events as JSON messages keyed by job id, so events of one job
// land on one partition in order.
//
// In async mode Publish only enqueues, so callers on the callback path never wait for a
// batch to fill. Batches that fail after the writer's retries are dropped.
type KafkaSink struct {
	writer  *kafka.Writer
	logger  *slog.Logger
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewKafkaSink creates a Kafka-backed sink. logger receives async delivery failures.
func NewKafkaSink(cfg *Config, logger *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &KafkaSink{logger: logger}
	s.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		MaxAttempts:            defaultSinkMaxAttempts,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  cfg.Async,
	}

	if cfg.Async {
		s.writer.Completion = s.completed
	}

	return s, nil
}

// completed is the writer's async completion callback.
func (s *KafkaSink) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}

	total := s.dropped.Add(int64(len(messages)))

	s.logger.Warn("Sink events dropped",
		slog.Int("count", len(messages)),
		slog.Int64("dropped_total", total),
		slog.String("error", err.Error()),
	)
}

// Dropped returns how many events failed async delivery.
func (s *KafkaSink) Dropped() int64 {
	return s.dropped.Load()
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode sink event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.JobID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish sink event: %w", err)
	}

	return nil
}

// Close flushes pending messages, async ones included, and closes the writer. Safe to call
// more than once.
func (s *KafkaSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.writer.Close()
}

// New builds the sink described by cfg: the log sink, plus Kafka when brokers are configured.
func New(cfg *Config, log *LogSink) (Sink, error) {
	if !cfg.Enabled() {
		return log, nil
	}

	kafkaSink, err := NewKafkaSink(cfg, log.logger)
	if err != nil {
		return nil, err
	}

	return Multi{log, kafkaSink}, nil
}
