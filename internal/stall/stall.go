// Package stall is the per-session inactivity detector (spec §4.5): a
// background loop per active session that fires Stalled after a configured
// idle threshold, emits nudges up to a retry ceiling, then escalates — or
// self-recovers if a tool call resets it first. Grounded on kdlbs-kandev's
// internal/agentctl/server/process/workspace_monitor.go debounce-loop idiom
// (a non-blocking trigger channel plus a resettable timer), adapted from
// filesystem-change debouncing to activity-reset detection.
package stall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"go.uber.org/zap"
)

// Event is one stall-lifecycle transition delivered to the orchestrator's
// consumer for chat rendering, store recording, and (on Escalated) pausing
// the session.
type Event struct {
	SessionID string
	Kind      EventKind
	NudgeText string
}

// EventKind enumerates the transitions a Detector can emit.
type EventKind string

const (
	EventStalled       EventKind = "Stalled"
	EventAutoNudge     EventKind = "AutoNudge"
	EventEscalated     EventKind = "Escalated"
	EventSelfRecovered EventKind = "SelfRecovered"
)

// Config tunes one Detector.
type Config struct {
	InactivityThreshold time.Duration
	EscalationThreshold time.Duration
	MaxRetries          int
	DefaultNudgeText    string
}

// Detector watches a single session for inactivity. Zero value is not
// usable; construct with New.
type Detector struct {
	sessionID string
	cfg       Config
	logger    *obslog.Logger
	events    chan<- Event

	notify  chan struct{}
	paused  atomic.Bool
	stalled atomic.Bool

	nudgeCount atomic.Int32

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a Detector. events is a shared, bounded channel the
// orchestrator reads from for every session's detector; Run sends to it and
// blocks if the consumer falls behind, same backpressure shape as every
// other bounded channel in this package.
func New(sessionID string, cfg Config, events chan<- Event, logger *obslog.Logger) *Detector {
	return &Detector{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger,
		events:    events,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Reset signals activity: clears the stalled flag and restarts the
// inactivity timer. O(1) — it touches only this detector, never the set of
// active sessions.
func (d *Detector) Reset() {
	wasStalled := d.stalled.Swap(false)
	select {
	case d.notify <- struct{}{}:
	default:
	}
	if wasStalled {
		d.nudgeCount.Store(0)
		d.send(Event{SessionID: d.sessionID, Kind: EventSelfRecovered})
	}
}

// Pause stops the timeout from firing without tearing the detector down;
// resumed via Resume. Propagated from the session orchestrator's pause/
// resume operation (spec §4.8).
func (d *Detector) Pause()  { d.paused.Store(true) }
func (d *Detector) Resume() { d.paused.Store(false); d.Reset() }

// Stalled reports whether this detector is currently in the Stalled state.
func (d *Detector) Stalled() bool { return d.stalled.Load() }

// Run blocks, executing the detector loop until ctx is cancelled or Close is
// called. Intended to be launched in its own goroutine by the orchestrator.
func (d *Detector) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	const pausePoll = 50 * time.Millisecond

	for {
		if d.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-time.After(pausePoll):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-d.notify:
			continue
		case <-time.After(d.cfg.InactivityThreshold):
			d.onTimeout(ctx)
		}
	}
}

func (d *Detector) onTimeout(ctx context.Context) {
	d.stalled.Store(true)
	d.send(Event{SessionID: d.sessionID, Kind: EventStalled})

	for {
		n := d.nudgeCount.Add(1)
		if int(n) > d.cfg.MaxRetries {
			d.escalate(ctx)
			return
		}
		d.send(Event{SessionID: d.sessionID, Kind: EventAutoNudge, NudgeText: d.cfg.DefaultNudgeText})

		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-d.notify:
			// Reset() already cleared stalled and fired SelfRecovered.
			return
		case <-time.After(d.cfg.EscalationThreshold):
			if !d.stalled.Load() {
				return
			}
			// No reset arrived; nudge again.
		}
	}
}

func (d *Detector) escalate(ctx context.Context) {
	d.send(Event{SessionID: d.sessionID, Kind: EventEscalated})
	d.logger.Warn("session escalated after stall retries exhausted",
		zap.String("session_id", d.sessionID), zap.Int32("nudge_count", d.nudgeCount.Load()))
}

func (d *Detector) send(ev Event) {
	select {
	case d.events <- ev:
	case <-d.stop:
	}
}

// Close stops the detector loop. Safe to call once; the orchestrator's
// shared shutdown cancel token stops every detector at once by cancelling
// the ctx passed to Run instead, per spec §4.5 — Close is for tearing down
// one session's detector independently (e.g. session terminated early).
func (d *Detector) Close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
}

// ToStallAlertStatus maps an EventKind to the store's StallStatus for
// persisting the transition.
func ToStallAlertStatus(kind EventKind) store.StallStatus {
	switch kind {
	case EventStalled:
		return store.StallPending
	case EventAutoNudge:
		return store.StallNudged
	case EventEscalated:
		return store.StallEscalated
	case EventSelfRecovered:
		return store.StallSelfRecovered
	default:
		return store.StallPending
	}
}
