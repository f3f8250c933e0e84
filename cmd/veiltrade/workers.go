package main

import (
	"context"
	"fmt"
	"time"

	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/observability"
	"VeilTrade/internal/persistence"

	"github.com/rs/zerolog"
)

// bridgeOutputs converts core outputs into persistence rows and forwards the
// envelope to the outbound publisher. It drains in until the core closes it,
// so the core never blocks on a reader that has gone away. Publishing drops
// when the publisher falls behind.
func bridgeOutputs(
	ctx context.Context,
	in <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	publishOut chan<- *event.Envelope,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	for out := range in {
		row, err := persistence.BuildOutput(out)
		if err != nil {
			return fmt.Errorf("build persistence output for seq %d: %w", out.Envelope.Sequence, err)
		}

		select {
		case persistOut <- row:
		case <-ctx.Done():
			logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("shutting down, output not persisted")
			continue
		}

		select {
		case publishOut <- out.Envelope:
		default:
			metrics.PublishDrops.Inc()
			logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, dropping envelope")
		}
	}
	return nil
}

// runDevRelayer answers parked decryption requests with the configured dev
// keys. Requests are collected and signed on the core goroutine; the
// finalizations are submitted from here like any other command.
func runDevRelayer(ctx context.Context, inbox *core.Inbox, relayer *fhe.Relayer, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	caller := relayer.Addresses()[0]
	logger = logger.With().Str("component", "dev_relayer").Logger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var finals []*event.FinalizeDecryption
		err := inbox.Read(ctx, func(c *core.DeterministicCore) {
			for _, req := range c.Gateway().Pending() {
				plaintexts, sigs, err := relayer.Decrypt(req)
				if err != nil {
					logger.Error().Err(err).Uint64("request_id", req.ID).Msg("decrypt failed")
					continue
				}
				finals = append(finals, &event.FinalizeDecryption{
					Meta:       event.Meta{Caller: caller},
					RequestID:  req.ID,
					Plaintexts: plaintexts,
					Signatures: sigs,
				})
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, f := range finals {
			if _, err := inbox.Submit(ctx, f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn().Err(err).Uint64("request_id", f.RequestID).Msg("finalization rejected")
				continue
			}
			logger.Debug().Uint64("request_id", f.RequestID).Msg("decryption finalized")
		}
	}
}

// runCheckpoints saves a checkpoint whenever the sequence has advanced since
// the last one.
func runCheckpoints(ctx context.Context, inbox *core.Inbox, cm *persistence.CheckpointManager, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var cp *persistence.Checkpoint
		if err := inbox.Read(ctx, func(c *core.DeterministicCore) {
			cp = checkpointOf(c)
		}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if cp.Sequence < 0 || cp.Sequence == last {
			continue
		}
		if err := cm.Save(ctx, cp); err != nil {
			logger.Error().Err(err).Int64("sequence", cp.Sequence).Msg("checkpoint failed")
			continue
		}
		last = cp.Sequence
		logger.Info().Int64("sequence", cp.Sequence).Msg("checkpoint saved")
	}
}

// saveCheckpoint is used at shutdown, after the core goroutine has exited.
func saveCheckpoint(ctx context.Context, c *core.DeterministicCore, cm *persistence.CheckpointManager) error {
	cp := checkpointOf(c)
	if cp.Sequence < 0 {
		return nil
	}
	return cm.Save(ctx, cp)
}

func checkpointOf(c *core.DeterministicCore) *persistence.Checkpoint {
	hash := c.GetStateHash()
	digest := c.EntityDigest()
	now := c.Now()
	return &persistence.Checkpoint{
		Sequence:        c.GetSequence() - 1,
		StateHash:       hash[:],
		EntityDigest:    digest[:],
		LastTimestamp:   now,
		OpenOrders:      c.Orders().LiveOrders(now),
		OpenSettlements: c.Settlement().OpenSettlements(),
		CreatedAt:       time.Now().UTC(),
	}
}

type sizer interface {
	Len() int
	Cap() int
}

type chanSizer[T any] chan T

func (c chanSizer[T]) Len() int { return len(c) }
func (c chanSizer[T]) Cap() int { return cap(c) }

// reportChannels samples queue depths for the backpressure gauges.
func reportChannels(
	ctx context.Context,
	metrics *observability.Metrics,
	inbox *core.Inbox,
	persist chan core.CoreOutput,
	projection chan core.CoreOutput,
	publish chan *event.Envelope,
) error {
	queues := map[string]sizer{
		"inbox":      inbox,
		"persist":    chanSizer[core.CoreOutput](persist),
		"projection": chanSizer[core.CoreOutput](projection),
		"publish":    chanSizer[*event.Envelope](publish),
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, q := range queues {
				metrics.SetChannelMetrics(name, q.Len(), q.Cap())
			}
		}
	}
}
