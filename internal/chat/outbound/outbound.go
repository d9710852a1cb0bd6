// Package outbound is the rate-limited, retrying delivery queue standing
// between agent-intercom and the chat vendor (spec §4.5): every post goes
// through a circuit breaker so a revoked token or vendor outage doesn't
// wedge the whole queue retrying forever, and messages that arrive while the
// breaker is open are held per channel and re-sent in order by
// ReplayPending. Nothing calls ReplayPending when the breaker closes or the
// chat connection comes back; its caller is the shutdown drain
// (internal/shutdown). Grounded on kdlbs-kandev's
// internal/notifications/providers Provider/Message abstraction, generalized
// from a fire-and-forget notification to a delivery queue with replay of
// held messages.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"go.uber.org/zap"
)

// Message is one outbound chat post.
type Message struct {
	ChannelID string
	Text      string
	// Blocks carries Block Kit content (buttons, sections) for vendors that
	// support it; a Poster that doesn't render blocks can fall back to Text.
	Blocks []slack.Block
	// ThreadHandle, when set, posts as a reply/edit target instead of a new
	// top-level message (used by the dispatcher's double-submit guard).
	ThreadHandle string
	Edit         bool
}

// Poster is the vendor-specific send operation (Slack in this deployment;
// any chat vendor satisfying this shape can be substituted per spec §2's
// "only its event model matters" framing).
type Poster interface {
	Post(ctx context.Context, msg Message) (handle string, err error)
}

// Queue sends each message through one circuit breaker, shared by all
// channels, with bounded retry. Post calls are not serialized; only the
// messages held while the breaker is open are kept per channel, in arrival
// order.
type Queue struct {
	poster  Poster
	logger  *obslog.Logger
	breaker *gobreaker.CircuitBreaker[string]

	mu      sync.Mutex
	pending map[string][]Message // channelID -> messages queued while breaker is open
}

// Config tunes the breaker and retry policy.
type Config struct {
	MaxRetries      uint64
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BreakerTimeout  time.Duration
	FailureThreshold uint32
}

// DefaultConfig returns reasonable retry/breaker tuning for a chat vendor
// call (a handful of retries with capped exponential backoff, breaker trips
// after five consecutive failures and probes again after thirty seconds).
func DefaultConfig() Config {
	return Config{
		MaxRetries:       5,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BreakerTimeout:   30 * time.Second,
		FailureThreshold: 5,
	}
}

// New constructs a Queue.
func New(poster Poster, logger *obslog.Logger, cfg Config) *Queue {
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "chat-outbound",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("chat outbound breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Queue{
		poster:  poster,
		logger:  logger,
		breaker: breaker,
		pending: make(map[string][]Message),
	}
}

// Post delivers msg, retrying transient failures with exponential backoff
// through the circuit breaker. If the breaker is open, msg is queued for
// replay instead of attempted, and Post returns immediately with no error —
// callers that need to know whether a message was actually delivered should
// inspect the returned handle, which is empty when queued.
func (q *Queue) Post(ctx context.Context, msg Message, cfg Config) (handle string, err error) {
	if q.breaker.State() == gobreaker.StateOpen {
		q.enqueuePending(msg)
		return "", nil
	}

	backoff, err := retry.NewExponential(cfg.BaseDelay)
	if err != nil {
		return "", ierr.Wrap(ierr.Config, "construct retry backoff", err)
	}
	backoff = retry.WithMaxRetries(cfg.MaxRetries, backoff)
	backoff = retry.WithCappedDuration(cfg.MaxDelay, backoff)

	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, breakerErr := q.breaker.Execute(func() (string, error) {
			return q.poster.Post(ctx, msg)
		})
		if breakerErr != nil {
			if breakerErr == gobreaker.ErrOpenState {
				q.enqueuePending(msg)
				return nil // stop retrying; it's queued now
			}
			return retry.RetryableError(breakerErr)
		}
		handle = result
		return nil
	})
	if retryErr != nil {
		return "", ierr.Wrap(ierr.Unavailable, "post chat message after retries", retryErr)
	}
	return handle, nil
}

func (q *Queue) enqueuePending(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[msg.ChannelID] = append(q.pending[msg.ChannelID], msg)
}

// ReplayPending attempts to flush every message queued while the breaker
// was open, in arrival order per channel. Its caller is the shutdown drain,
// which calls it until nothing is pending or its drain timeout passes; while
// the breaker is still open, Post simply holds each message again.
func (q *Queue) ReplayPending(ctx context.Context, cfg Config) error {
	q.mu.Lock()
	toReplay := q.pending
	q.pending = make(map[string][]Message)
	q.mu.Unlock()

	for ch, msgs := range toReplay {
		for i, m := range msgs {
			if _, err := q.Post(ctx, m, cfg); err != nil {
				// Put the failed message and every message not yet attempted
				// back at the front of their channels' queues for the next
				// replay attempt rather than dropping them.
				q.mu.Lock()
				q.pending[ch] = append(append([]Message(nil), msgs[i:]...), q.pending[ch]...)
				delete(toReplay, ch)
				for other, rest := range toReplay {
					q.pending[other] = append(append([]Message(nil), rest...), q.pending[other]...)
				}
				q.mu.Unlock()
				return err
			}
		}
		delete(toReplay, ch)
	}
	return nil
}

// PendingCount reports how many messages are currently queued for replay,
// for diagnostics.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msgs := range q.pending {
		n += len(msgs)
	}
	return n
}
