package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VeilTrade/internal/event"
	"VeilTrade/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Enqueuer hands a parsed command to the core without waiting for it to
// apply. *core.Inbox satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, cmd event.Command) error
}

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the deterministic core through the inbox. JetStream is the
// high-throughput ingestion surface; gRPC is for admin and manual input.
type NATSSubscriber struct {
	js        jetstream.JetStream
	inbox     Enqueuer
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// SubjectConfig maps a filter subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ">", ConsumerName: "veil-commands", StreamName: "VEIL_COMMANDS"},
		{Subject: DecryptSubject, ConsumerName: "veil-decrypt", StreamName: "VEIL_DECRYPT"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, inbox Enqueuer, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		inbox:   inbox,
		metrics: metrics,
		logger:  logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		stream := cfg.StreamName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.Handle(ctx, stream, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Handle parses one message and queues it on the inbox. The message is
// acked once queued: a rejection by the core is a recorded outcome, not a
// delivery failure. A message without an idempotency key takes the
// Nats-Msg-Id header as its key, so publisher retries deduplicate.
func (ns *NATSSubscriber) Handle(ctx context.Context, stream string, msg jetstream.Msg) {
	cmd, err := ParseMessage(msg.Subject(), msg.Data())
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("terminating malformed message")
		if termErr := msg.TermWithReason(err.Error()); termErr != nil {
			ns.logger.Warn().Err(termErr).Msg("term failed")
		}
		return
	}
	if id := msg.Headers().Get(nats.MsgIdHdr); id != "" {
		cmd.Stamp(id, time.Time{})
	}

	if err := ns.inbox.Enqueue(ctx, cmd); err != nil {
		if nakErr := msg.Nak(); nakErr != nil && !errors.Is(nakErr, nats.ErrConnectionClosed) {
			ns.logger.Warn().Err(nakErr).Msg("nak failed")
		}
		return
	}

	if ns.metrics != nil {
		if meta, err := msg.Metadata(); err == nil {
			ns.metrics.IngestToApply.WithLabelValues("nats").Observe(time.Since(meta.Timestamp).Seconds())
		}
	}
	if err := msg.Ack(); err != nil {
		ns.logger.Warn().Err(err).Str("stream", stream).Msg("ack failed")
	}
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h and a two-minute
// duplicate window keyed on Nats-Msg-Id.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       "VEIL_COMMANDS",
			Subjects:   []string{CommandSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       "VEIL_DECRYPT",
			Subjects:   []string{DecryptSubject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("veiltrade"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
