// Package kafka feeds captured transactions from a Kafka topic into the
// triage service.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Submitter accepts one transaction submission.
type Submitter interface {
	Submit(ctx context.Context, sub *triage.Submission) (*triage.SubmitResult, error)
}

// Config selects the brokers, topic and consumer group.
type Config struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
}

// client is the subset of *kgo.Client the consumer loop needs.
type client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// Consumer reads JSON submissions from a topic as a member of a consumer
// group. Offsets are committed after each polled batch has been submitted.
type Consumer struct {
	client client
	svc    Submitter
	logger log.Logger
	topic  string
}

// New creates a consumer. It does not contact the brokers until Run.
func New(cfg Config, svc Submitter, logger log.Logger) (*Consumer, error) {
	if svc == nil {
		panic(xerrors.New("kafka.New: nil submitter"))
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka: topic and group are required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newConsumer(cl, svc, logger, cfg.Topic), nil
}

func newConsumer(cl client, svc Submitter, logger log.Logger, topic string) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{client: cl, svc: svc, logger: logger, topic: topic}
}

// Run polls until ctx is canceled or the service stops accepting work. The
// client is closed on return.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	c.logger.Info(ctx, "kafka consumer started", "topic", c.topic)

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			c.logger.Info(context.Background(), "kafka consumer stopped", "topic", c.topic)
			return nil
		}
		for _, fe := range fetches.Errors() {
			c.logger.Error(ctx, fe.Err, "kafka fetch failed", "topic", fe.Topic, "partition", fe.Partition)
		}

		var stop error
		fetches.EachRecord(func(rec *kgo.Record) {
			if stop != nil {
				return
			}
			stop = c.Handle(ctx, rec)
		})
		if stop != nil {
			return stop
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error(ctx, err, "kafka commit failed", "topic", c.topic)
		}
	}
}

// Handle submits one record. Records that cannot be decoded or fail
// validation are logged and skipped so they are not redelivered; only a
// stopped service is returned as an error.
func (c *Consumer) Handle(ctx context.Context, rec *kgo.Record) error {
	var sub triage.Submission
	if err := json.Unmarshal(rec.Value, &sub); err != nil {
		c.logger.Warn(ctx, "skipping malformed kafka record",
			"error", err,
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
		)
		return nil
	}
	if sub.ID == "" && len(rec.Key) > 0 {
		sub.ID = string(rec.Key)
	}

	res, err := c.svc.Submit(ctx, &sub)
	switch {
	case err == nil:
		if res.Dropped != "" {
			c.logger.Warn(ctx, "kafka submit displaced a pending transaction",
				"transaction_id", res.ID,
				"dropped_id", res.Dropped,
			)
		}
		return nil
	case errors.Is(err, triage.ErrStopped):
		return fmt.Errorf("kafka submit: %w", err)
	default:
		var ve *triage.ValidationError
		field := ""
		if errors.As(err, &ve) {
			field = ve.Field
		}
		c.logger.Warn(ctx, "skipping invalid kafka record",
			"error", err,
			"field", field,
			"transaction_id", sub.ID,
			"offset", rec.Offset,
		)
		return nil
	}
}
