package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/formrelay/formrelay/internal/message"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/sidestate"
)

// Streams is the consumer-group surface of the side-state store.
type Streams interface {
	CreateGroup(ctx context.Context, stream, group string) error
	PendingCount(ctx context.Context, stream, group string) (int64, error)
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error)
}

// ConsumerConfig tunes the read loop.
type ConsumerConfig struct {
	BatchSize int64
	Block     time.Duration

	// RetryInterval is the base delay unit; a retry entry waits
	// fail_count times this before its attempt.
	RetryInterval time.Duration

	// MaxInFlight bounds concurrent delayed attempts in retry mode.
	MaxInFlight int
}

// Consumer owns one stream's read loop: reclaim stalled entries at
// startup, then long-poll for new ones and hand each to the executor.
type Consumer struct {
	mode    Mode
	streams Streams
	exec    *Executor
	reaper  AttachmentReaper
	state   SideState
	cfg     ConsumerConfig
	log     *slog.Logger
}

// NewConsumer builds a Consumer bound to mode.
func NewConsumer(mode Mode, streams Streams, exec *Executor, reaper AttachmentReaper, state SideState, cfg ConsumerConfig, log *slog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Block <= 0 {
		cfg.Block = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	return &Consumer{
		mode:    mode,
		streams: streams,
		exec:    exec,
		reaper:  reaper,
		state:   state,
		cfg:     cfg,
		log:     log.With(slog.String("mode", mode.Name), slog.String("consumer", mode.Consumer)),
	}
}

// Run drives the loop until ctx is cancelled or the stream connection
// fails. A read error is treated as a side-state disconnect and returned
// to the caller, which aborts the process.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.streams.CreateGroup(ctx, c.mode.Stream, c.mode.Group); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.MaxInFlight)

	if err := c.reclaim(ctx, group, gctx); err != nil {
		c.log.Error("startup reclamation failed", slog.String("error", err.Error()))
	}

	c.log.Info("consuming",
		slog.String("stream", c.mode.Stream),
		slog.String("group", c.mode.Group),
	)

	for {
		if err := ctx.Err(); err != nil {
			_ = group.Wait()
			return nil
		}

		msgs, err := c.streams.ReadGroup(ctx, c.mode.Stream, c.mode.Group, c.mode.Consumer, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				_ = group.Wait()
				return nil
			}
			_ = group.Wait()
			return err
		}
		c.dispatch(ctx, group, gctx, msgs)
	}
}

// reclaim transfers entries another consumer delivered but never
// acknowledged, once at startup. Only entries idle past the mode's
// threshold move; they are processed before any new read.
func (c *Consumer) reclaim(ctx context.Context, group *errgroup.Group, gctx context.Context) error {
	pending, err := c.streams.PendingCount(ctx, c.mode.Stream, c.mode.Group)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	claimed, err := c.streams.AutoClaim(ctx, c.mode.Stream, c.mode.Group, c.mode.Consumer, c.mode.ReclaimMinIdle, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	c.log.Info("reclaimed stalled entries", slog.Int("count", len(claimed)))
	metrics.EntriesReclaimed.WithLabelValues(c.mode.Name).Add(float64(len(claimed)))
	c.dispatch(ctx, group, gctx, claimed)
	return nil
}

// dispatch decodes each entry and runs it: inline and in order for the
// primary mode, on a delayed goroutine per entry for the retrier.
func (c *Consumer) dispatch(ctx context.Context, group *errgroup.Group, gctx context.Context, msgs []redis.XMessage) {
	for _, raw := range msgs {
		m, err := message.Decode(raw.ID, raw.Values)
		if err != nil {
			c.discardMalformed(ctx, raw, err)
			continue
		}

		if !c.mode.Concurrent {
			c.exec.Execute(ctx, m, c.mode)
			continue
		}

		delay := time.Duration(m.FailCount) * c.cfg.RetryInterval
		metrics.RetriesInFlight.Inc()
		group.Go(func() error {
			defer metrics.RetriesInFlight.Dec()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-gctx.Done():
				// Entry stays pending; the next startup reclaims it.
				return nil
			}
			c.exec.Execute(gctx, m, c.mode)
			return nil
		})
	}
}

// discardMalformed settles an entry that failed to decode: dead-letter
// the raw payload, reap whatever attachment state it points at, clear the
// dedup marker, acknowledge. The executor never sees it.
func (c *Consumer) discardMalformed(ctx context.Context, raw redis.XMessage, decodeErr error) {
	hex := message.PeekHex(raw.Values)
	count := message.PeekAttachmentCount(raw.Values)

	c.log.Warn("malformed entry",
		slog.String("entry_id", raw.ID),
		slog.String("hex", hex),
		slog.String("error", decodeErr.Error()),
	)

	rawPayload, _ := json.Marshal(raw.Values)
	rec := sidestate.FailedRecord{
		Hex:             hex,
		Fields:          string(rawPayload),
		AttachmentCount: count,
		Error:           decodeErr.Error(),
	}
	if err := c.state.AppendFailed(ctx, rec); err != nil {
		c.log.Error("dead-letter append failed", slog.String("error", err.Error()))
	}
	metrics.DeadLetters.WithLabelValues("malformed").Inc()

	if hex != "" {
		if count > 0 {
			c.reaper.Reap(ctx, hex)
		}
		if err := c.state.DeleteDedup(ctx, hex); err != nil {
			c.log.Error("dedup delete failed", slog.String("error", err.Error()))
		}
	}

	if err := c.state.AckAndRemove(ctx, c.mode.Stream, c.mode.Group, raw.ID); err != nil {
		c.log.Error("acknowledge failed", slog.String("error", err.Error()))
	}
	metrics.MessagesProcessed.WithLabelValues(c.mode.Name, "malformed").Inc()
}
