// Package audit is agent-intercom's append-only decision log (spec §4.14):
// every clearance/prompt/command-approval decision, mode change, and session
// lifecycle transition is recorded as one JSON line. The file is rotated when
// the UTC date changes and by size, with rollover handed to
// gopkg.in/natefinch/lumberjack.v2 the same way the rest of the corpus does
// rather than hand-rolling it. Callers get
// a Record call that never blocks on disk I/O: entries are handed to a
// bounded channel a single background goroutine drains, the same
// shared-channel-plus-drain-loop shape internal/session.Orchestrator uses
// for stall events, so a slow or momentarily full disk never stalls a
// clearance decision's hot path.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
)

// queueDepth bounds how many entries can be buffered between the caller and
// the writer goroutine before Record starts blocking the caller — generous
// enough that a burst of decisions around a cold-start recovery never
// stalls, but not unbounded, since an unbounded queue just turns a disk
// outage into a silent memory leak instead of observable backpressure.
const queueDepth = 1024

// Entry is one audit record. Fields is a free-form key-value map (risk
// level, decision, file path, etc.) specific to the action being recorded.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config controls the rotated log file Record appends to.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is the append-only audit sink. Never purged by internal/retention —
// retention only ever deletes session-scoped operational rows, not the
// audit trail of decisions made about them.
type Logger struct {
	out    *lumberjack.Logger
	logger *obslog.Logger

	entries chan Entry
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New opens (creating if necessary) the rotated audit log and starts its
// writer goroutine.
func New(cfg Config, logger *obslog.Logger) (*Logger, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 30
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 365
	}

	out := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	l := &Logger{
		out:     out,
		logger:  logger,
		entries: make(chan Entry, queueDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.drain()
	return l, nil
}

// Record enqueues an audit entry. It blocks only as long as it takes the
// writer goroutine to free a queue slot (never on disk I/O directly), and
// drops the entry with a warning if the logger has already been closed.
func (l *Logger) Record(actor, action, sessionID, requestID string, fields map[string]interface{}) {
	e := Entry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		SessionID: sessionID,
		RequestID: requestID,
		Fields:    fields,
	}
	select {
	case <-l.done:
		l.logger.Warn("dropped audit entry after shutdown", zap.String("action", action))
		return
	default:
	}
	select {
	case l.entries <- e:
	case <-l.done:
		l.logger.Warn("dropped audit entry after shutdown", zap.String("action", action))
	}
}

func (l *Logger) drain() {
	defer close(l.stopped)
	enc := json.NewEncoder(l.out)
	day := time.Now().UTC().Format("2006-01-02")
	write := func(e Entry) {
		if d := e.Timestamp.Format("2006-01-02"); d != day {
			// The first entry of a new UTC day starts a new file.
			if err := l.out.Rotate(); err != nil {
				l.logger.Warn("rotate audit log failed", zap.Error(err))
			}
			day = d
		}
		if err := enc.Encode(e); err != nil {
			l.logger.Warn("write audit entry failed", zap.String("action", e.Action), zap.Error(err))
		}
	}

	for {
		select {
		case e := <-l.entries:
			write(e)
		case <-l.done:
			// Flush whatever was already queued before the channel close
			// raced with Close, then stop.
			for {
				select {
				case e := <-l.entries:
					write(e)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting new entries, waits for the writer goroutine to
// flush everything already queued, and closes the rotated file. Safe to
// call once; later calls are no-ops.
func (l *Logger) Close() error {
	l.once.Do(func() {
		close(l.done)
	})
	<-l.stopped
	return ierr.Wrap(ierr.Io, "close audit log", l.out.Close())
}
