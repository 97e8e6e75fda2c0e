// Package bridge implements the Notification Bridge: it subscribes to a
// Persistence Gateway's change feed and forwards each task_created/
// task_updated event onto the broker queue as dispatch work. The feed
// connection can drop (a lost Postgres LISTEN connection, a stalled poll
// loop); Run reconnects with capped exponential backoff and only gives up
// after a configured unavailability horizon, so a transient outage does not
// silently stop the engine from ever discovering new work again.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/taskflowhq/taskengine/broker"
	"github.com/taskflowhq/taskengine/emit"
	"github.com/taskflowhq/taskengine/store"
)

// ErrUnavailabilityHorizonExceeded is returned by Run when the change feed
// could not be reconnected within the configured horizon.
var ErrUnavailabilityHorizonExceeded = errors.New("bridge: change feed unavailability horizon exceeded")

// Config tunes the bridge's reconnect behavior.
type Config struct {
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	UnavailabilityHorizon time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.UnavailabilityHorizon <= 0 {
		c.UnavailabilityHorizon = 5 * time.Minute
	}
	return c
}

// FeedFactory opens a fresh ChangeFeed, used to reconnect after the current
// one fails (a Postgres listener connection that dropped, a poller whose
// underlying *sql.DB needs a new handle, etc).
type FeedFactory func(ctx context.Context) (store.ChangeFeed, error)

// Bridge drains a Gateway's ChangeFeed and republishes each event as broker
// work.
type Bridge struct {
	openFeed FeedFactory
	queue    broker.Queue
	emitter  emit.Emitter
	cfg      Config
}

func New(openFeed FeedFactory, queue broker.Queue, emitter emit.Emitter, cfg Config) *Bridge {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Bridge{openFeed: openFeed, queue: queue, emitter: emitter, cfg: cfg.withDefaults()}
}

// Run blocks, forwarding change events to the queue until ctx is cancelled
// or the feed cannot be reconnected within the unavailability horizon.
func (b *Bridge) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var outageStart time.Time

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		feed, err := b.openFeed(ctx)
		if err != nil {
			if outageStart.IsZero() {
				outageStart = time.Now()
			}
			if time.Since(outageStart) > b.cfg.UnavailabilityHorizon {
				return fmt.Errorf("%w: %v", ErrUnavailabilityHorizonExceeded, err)
			}
			b.emitter.Emit(emit.Event{Phase: "bridge_reconnect_failed", Msg: err.Error()})
			if !sleep(ctx, b.computeBackoff(0, rng)) {
				return ctx.Err()
			}
			continue
		}
		outageStart = time.Time{}

		attempt := 0
		for {
			evt, err := feed.Next(ctx)
			if err != nil {
				feed.Close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.emitter.Emit(emit.Event{Phase: "bridge_feed_error", Msg: err.Error()})
				if outageStart.IsZero() {
					outageStart = time.Now()
				}
				if time.Since(outageStart) > b.cfg.UnavailabilityHorizon {
					return fmt.Errorf("%w: %v", ErrUnavailabilityHorizonExceeded, err)
				}
				if !sleep(ctx, b.computeBackoff(attempt, rng)) {
					return ctx.Err()
				}
				attempt++
				break
			}
			outageStart = time.Time{}
			attempt = 0

			if err := b.pushWithRetry(ctx, feed, evt, rng, &outageStart, &attempt); err != nil {
				feed.Close()
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// pushWithRetry pushes evt onto the broker, retrying with backoff on
// transient failure rather than abandoning the event, then acknowledges it
// to the feed only once the push has succeeded. This ordering is required:
// no event may be marked delivered at the store before the broker durably
// holds it, so a poll-based feed keeps re-returning evt from Next until Ack
// confirms it landed.
func (b *Bridge) pushWithRetry(ctx context.Context, feed store.ChangeFeed, evt store.ChangeEvent, rng *rand.Rand, outageStart *time.Time, attempt *int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := b.queue.Push(ctx, broker.Message{TaskID: evt.TaskID, WorkflowID: evt.WorkflowID, EnqueuedAt: time.Now()})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.emitter.Emit(emit.Event{Phase: "bridge_push_failed", TaskID: evt.TaskID, Msg: err.Error()})
		if outageStart.IsZero() {
			*outageStart = time.Now()
		}
		if time.Since(*outageStart) > b.cfg.UnavailabilityHorizon {
			return fmt.Errorf("%w: %v", ErrUnavailabilityHorizonExceeded, err)
		}
		if !sleep(ctx, b.computeBackoff(*attempt, rng)) {
			return ctx.Err()
		}
		*attempt++
	}
	*outageStart = time.Time{}
	*attempt = 0

	if err := feed.Ack(ctx, evt); err != nil && ctx.Err() == nil {
		// The event already reached the broker; a failed ack only risks a
		// harmless duplicate redelivery later, never a lost one.
		b.emitter.Emit(emit.Event{Phase: "bridge_ack_failed", TaskID: evt.TaskID, Msg: err.Error()})
	}
	return ctx.Err()
}

// computeBackoff mirrors the engine's node-retry backoff discipline:
// exponential growth capped at MaxDelay, plus jitter to avoid every
// reconnect attempt across a fleet landing at once.
func (b *Bridge) computeBackoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	delay := b.cfg.BaseDelay * (1 << attempt)
	if delay > b.cfg.MaxDelay || delay <= 0 {
		delay = b.cfg.MaxDelay
	}
	jitter := time.Duration(rng.Int63n(int64(b.cfg.BaseDelay) + 1))
	return delay + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
