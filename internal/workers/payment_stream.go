package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/redis"
	"github.com/tackle-tarts/giveaway-backend/internal/service/reconcile"
)

const eventField = "event"

// PaymentQueue appends verified payment events to a Redis stream.
type PaymentQueue struct {
	rdb    *redis.Client
	stream string
}

func NewPaymentQueue(rdb *redis.Client, stream string) *PaymentQueue {
	return &PaymentQueue{rdb: rdb, stream: stream}
}

// Publish enqueues ev and returns the stream entry id.
func (q *PaymentQueue) Publish(ctx context.Context, ev *payment.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{eventField: string(b), "ref": ev.Ref},
	}).Result()
}

// EventHandler applies one verified payment event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *payment.Event) (*reconcile.Result, error)
}

type StreamOptions struct {
	Stream       string
	Group        string
	Consumer     string
	Batch        int64
	Block        time.Duration
	ClaimMinIdle time.Duration
}

// PaymentStreamWorker consumes the payment stream through a consumer group.
// Entries whose processing hit an infrastructure error stay pending and are
// claimed again once idle for ClaimMinIdle.
type PaymentStreamWorker struct {
	rdb     *redis.Client
	handler EventHandler
	opts    StreamOptions
	// OnApplied runs after an event changed state, e.g. to drop caches.
	OnApplied func(ctx context.Context, res *reconcile.Result)
}

func NewPaymentStreamWorker(rdb *redis.Client, h EventHandler, opts StreamOptions) *PaymentStreamWorker {
	if opts.Batch <= 0 {
		opts.Batch = 16
	}
	if opts.Consumer == "" {
		opts.Consumer = "reconciler-1"
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = time.Minute
	}
	return &PaymentStreamWorker{rdb: rdb, handler: h, opts: opts}
}

// EnsureGroup creates the stream and consumer group if missing.
func (w *PaymentStreamWorker) EnsureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.opts.Stream, w.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Start runs until ctx is cancelled.
func (w *PaymentStreamWorker) Start(ctx context.Context) {
	if err := w.EnsureGroup(ctx); err != nil {
		logger.Error().Err(err).Str("stream", w.opts.Stream).Msg("Error creating consumer group")
	}
	logger.Info().Str("stream", w.opts.Stream).Str("group", w.opts.Group).Msg("Starting payment stream worker")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopping payment stream worker")
			return
		default:
		}
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Error reading payment stream")
			time.Sleep(time.Second)
		}
	}
}

// ProcessOnce reclaims stale pending entries, then reads new ones. It
// returns how many entries were acknowledged.
func (w *PaymentStreamWorker) ProcessOnce(ctx context.Context) (int, error) {
	acked := 0

	claimed, _, err := w.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   w.opts.Stream,
		Group:    w.opts.Group,
		Consumer: w.opts.Consumer,
		MinIdle:  w.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    w.opts.Batch,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("xautoclaim: %w", err)
	}
	for _, msg := range claimed {
		acked += w.handle(ctx, msg)
	}

	streams, err := w.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    w.opts.Group,
		Consumer: w.opts.Consumer,
		Streams:  []string{w.opts.Stream, ">"},
		Count:    w.opts.Batch,
		Block:    w.opts.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return acked, nil
	}
	if err != nil {
		return acked, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			acked += w.handle(ctx, msg)
		}
	}
	return acked, nil
}

func (w *PaymentStreamWorker) handle(ctx context.Context, msg goredis.XMessage) int {
	raw, _ := msg.Values[eventField].(string)
	var ev payment.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		logger.Error().Err(err).Str("id", msg.ID).Msg("Dropping malformed payment stream entry")
		return w.ack(ctx, msg.ID)
	}

	res, err := w.handler.HandleEvent(ctx, &ev)
	if err != nil && !isFinal(err) {
		logger.Warn().Err(err).Str("id", msg.ID).Str("ref", ev.Ref).Msg("Payment event left pending for retry")
		return 0
	}
	if res != nil && res.Order != nil && w.OnApplied != nil {
		w.OnApplied(ctx, res)
	}
	return w.ack(ctx, msg.ID)
}

func (w *PaymentStreamWorker) ack(ctx context.Context, id string) int {
	if err := w.rdb.XAck(ctx, w.opts.Stream, w.opts.Group, id).Err(); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("Failed to ack payment stream entry")
		return 0
	}
	return 1
}

// isFinal reports errors that replaying the entry cannot fix.
func isFinal(err error) bool {
	return errors.Is(err, raffle.ErrReservationFailed) ||
		errors.Is(err, raffle.ErrNotFound) ||
		errors.Is(err, raffle.ErrInvalidRange)
}
