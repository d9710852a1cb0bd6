package outbound

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	failCount int32
	calls     int32
}

func (p *fakePoster) Post(ctx context.Context, msg Message) (string, error) {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= p.failCount {
		return "", errors.New("transient vendor error")
	}
	return "handle-" + msg.Text, nil
}

func testConfig() Config {
	return Config{
		MaxRetries:       5,
		BaseDelay:        1 * time.Millisecond,
		MaxDelay:         10 * time.Millisecond,
		BreakerTimeout:   100 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func TestPostSucceedsAfterTransientFailures(t *testing.T) {
	poster := &fakePoster{failCount: 2}
	q := New(poster, obslog.Default(), testConfig())

	handle, err := q.Post(context.Background(), Message{ChannelID: "C1", Text: "hello"}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "handle-hello", handle)
	assert.Equal(t, int32(3), poster.calls)
}

func TestPostQueuesWhenBreakerOpens(t *testing.T) {
	poster := &fakePoster{failCount: 1000}
	cfg := testConfig()
	cfg.MaxRetries = 0
	q := New(poster, obslog.Default(), cfg)

	for i := 0; i < int(cfg.FailureThreshold)+1; i++ {
		_, _ = q.Post(context.Background(), Message{ChannelID: "C1", Text: "msg"}, cfg)
	}

	assert.Greater(t, q.PendingCount(), 0, "messages should queue once the breaker trips open")
}
