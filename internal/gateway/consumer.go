package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultConsumerTopic   = "genrelay.callbacks"
	defaultConsumerGroup   = "genrelay-ingester"
	defaultConsumerBackoff = time.Second
)

var (
	// ErrNoConsumerBrokers is returned when the callback consumer has no brokers.
	ErrNoConsumerBrokers = errors.New("callback consumer requires at least one broker")

	// ErrConsumerTopicEmpty is returned when the callback consumer has no topic.
	ErrConsumerTopicEmpty = errors.New("callback consumer topic cannot be empty")
)

// ConsumerConfig holds settings for reading relayed callbacks from Kafka.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// Backoff is the pause after a failed fetch or commit.
	Backoff time.Duration
}

// LoadConsumerConfig loads callback consumer configuration from environment variables.
func LoadConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("GENRELAY_CALLBACK_BROKERS", "")),
		Topic:   config.GetEnvStr("GENRELAY_CALLBACK_TOPIC", defaultConsumerTopic),
		GroupID: config.GetEnvStr("GENRELAY_CALLBACK_GROUP", defaultConsumerGroup),
		Backoff: config.GetEnvDuration("GENRELAY_CALLBACK_CONSUMER_BACKOFF", defaultConsumerBackoff),
	}
}

// Validate checks the consumer settings.
func (c *ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoConsumerBrokers
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrConsumerTopicEmpty
	}

	return nil
}

// Ingester is the part of Gateway a Consumer drives.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, headers http.Header) (Result, error)
}

// MessageReader is the subset of *kafka.Reader a Consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds callbacks relayed through Kafka into the gateway. Each message carries the
// provider's raw body as its value and the signature headers as Kafka headers, so relayed
// callbacks are verified exactly like direct ones.
//
// Offsets are committed after Ingest returns, including for permanent rejections, which
// would fail again on redelivery. Delivery is at least once; the ledger absorbs repeats.
type Consumer struct {
	reader   MessageReader
	ingester Ingester
	backoff  time.Duration
	logger   *slog.Logger
}

// NewKafkaReader creates a consumer-group reader for cfg.
func NewKafkaReader(cfg *ConsumerConfig) (*kafka.Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.FirstOffset,
	}), nil
}

// NewConsumer creates a Consumer. A non-positive backoff uses the default.
func NewConsumer(reader MessageReader, ingester Ingester, backoff time.Duration, logger *slog.Logger) *Consumer {
	if backoff <= 0 {
		backoff = defaultConsumerBackoff
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{reader: reader, ingester: ingester, backoff: backoff, logger: logger}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("Failed to close callback reader", slog.String("error", err.Error()))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			c.logger.Error("Failed to fetch callback message", slog.String("error", err.Error()))

			if !c.sleep(ctx) {
				return nil
			}

			continue
		}

		c.handle(ctx, msg)

		for {
			err := c.reader.CommitMessages(ctx, msg)
			if err == nil {
				break
			}

			if ctx.Err() != nil {
				return nil
			}

			c.logger.Error("Failed to commit callback offset",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)

			if !c.sleep(ctx) {
				return nil
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	logger := c.logger.With(
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)

	result, err := c.ingester.Ingest(ctx, msg.Value, messageHeaders(msg))
	if err != nil {
		logger.Warn("Dropping rejected callback message", slog.String("error", err.Error()))

		return
	}

	logger.Debug("Callback message ingested",
		slog.String("event_id", result.EventID),
		slog.String("job_id", result.JobID),
		slog.String("outcome", string(result.Outcome)),
	)
}

func (c *Consumer) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// messageHeaders converts Kafka headers to an http.Header so the verifier can read them.
func messageHeaders(msg kafka.Message) http.Header {
	headers := make(http.Header, len(msg.Headers))
	for _, h := range msg.Headers {
		headers.Add(h.Key, string(h.Value))
	}

	return headers
}

// String describes the consumer source for logs.
func (c *ConsumerConfig) String() string {
	return fmt.Sprintf("%s@%s (group %s)", c.Topic, strings.Join(c.Brokers, ","), c.GroupID)
}
