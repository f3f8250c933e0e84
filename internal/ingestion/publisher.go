package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"VeilTrade/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the outbound side needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied records to NATS for downstream
// consumers once the envelope is persisted. Every record goes to
// veil.events.{record_type}; venue descriptors and escrow lifecycle records
// are also published as intents on the venue and bridge subjects.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.Envelope
	logger    zerolog.Logger
}

// PublishableEvent is one record ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64        `json:"sequence"`
	Ordinal        int          `json:"ordinal"`
	RecordType     string       `json:"record_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	Payload        event.Record `json:"payload"`
	StateHash      string       `json:"state_hash"`
	Timestamp      time.Time    `json:"timestamp"`
}

// MsgID is the JetStream dedup id: stable across republishing the same
// envelope after a restart.
func (p PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", p.Sequence, p.Ordinal)
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.Envelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Publishables splits an envelope into one event per record.
func Publishables(env *event.Envelope) []PublishableEvent {
	out := make([]PublishableEvent, 0, len(env.Records))
	for i, r := range env.Records {
		out = append(out, PublishableEvent{
			Sequence:       env.Sequence,
			Ordinal:        i,
			RecordType:     r.RecordType(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        r,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		})
	}
	return out
}

// Subjects returns every subject a record is published on.
func Subjects(r event.Record) []string {
	subjects := []string{"veil.events." + r.RecordType()}
	switch r.(type) {
	case event.VenueOrderRegistered:
		subjects = append(subjects, "veil.venue.orders.registered")
	case event.VenueOrderCancelled:
		subjects = append(subjects, "veil.venue.orders.cancelled")
	case event.EscrowCreated:
		subjects = append(subjects, "veil.bridge.escrows.created")
	case event.EscrowRedeemed:
		subjects = append(subjects, "veil.bridge.escrows.redeemed")
	case event.EscrowRefunded:
		subjects = append(subjects, "veil.bridge.escrows.refunded")
	}
	return subjects
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, evt := range Publishables(env) {
				if err := op.publish(ctx, evt); err != nil {
					// Non-fatal: downstream consumers can read the event log directly
					op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("record", evt.RecordType).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, subject := range Subjects(evt.Payload) {
		if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(subject+":"+evt.MsgID())); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

// EnsureOutboundStreams creates the outbound event and intent streams.
func EnsureOutboundStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: "VEIL_EVENTS", Subjects: []string{"veil.events.>"}},
		{Name: "VEIL_VENUE", Subjects: []string{"veil.venue.orders.*"}},
		{Name: "VEIL_BRIDGE", Subjects: []string{"veil.bridge.escrows.*"}},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Duplicates = 10 * time.Minute
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create outbound stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured outbound stream")
	}
	return nil
}
