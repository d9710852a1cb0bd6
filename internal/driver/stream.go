package driver

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/wire"
	"go.uber.org/zap"
)

// StreamDriver implements Driver for the stream protocol mode: agent-intercom
// launches the agent as a child process and exchanges newline-delimited JSON
// over its stdin/stdout, the way kdlbs-kandev's StreamReader consumes
// line-framed ACP messages (minus the Docker log multiplexing, since this is
// a direct pipe rather than a container log stream).
type StreamDriver struct {
	logger *obslog.Logger

	mu       sync.RWMutex
	sessions map[string]*streamSession
}

type streamSession struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	events   chan *wire.Event
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	exited   chan struct{}
	exitErr  error
}

// NewStreamDriver constructs an empty StreamDriver.
func NewStreamDriver(logger *obslog.Logger) *StreamDriver {
	return &StreamDriver{logger: logger, sessions: make(map[string]*streamSession)}
}

// BindProcess launches hostCLI with hostCLIArgs as the agent process for
// sessionID and starts the NDJSON read loop over its stdout. env holds
// additional "KEY=VALUE" entries appended to the process's inherited
// environment (the stream transport coordinator uses this to pass the
// session id, workspace root, and server endpoint — spec §4.12). Bind
// (without arguments) is not meaningful for this driver since a stream
// session always needs a command line; callers use BindProcess directly.
func (d *StreamDriver) BindProcess(ctx context.Context, sessionID, hostCLI string, hostCLIArgs []string, workDir string, env []string) error {
	d.mu.Lock()
	if _, ok := d.sessions[sessionID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	cmd := exec.Command(hostCLI, hostCLIArgs...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ierr.Wrap(ierr.Io, "open agent process stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ierr.Wrap(ierr.Io, "open agent process stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ierr.Wrap(ierr.Io, "open agent process stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return ierr.Wrap(ierr.Unavailable, "start agent process", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &streamSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan *wire.Event, 64),
		cancel: cancel,
		exited: make(chan struct{}),
	}

	d.mu.Lock()
	d.sessions[sessionID] = sess
	d.mu.Unlock()

	sess.wg.Add(2)
	go d.readLoop(sessCtx, sessionID, sess, stdout)
	go d.drainStderr(sessCtx, sessionID, sess, stderr)
	go func() {
		sess.wg.Wait()
		sess.exitErr = cmd.Wait()
		close(sess.exited)
	}()

	return nil
}

// Exited returns a channel closed when sessionID's agent process has exited
// (for any reason — clean exit, crash, or Close's kill). ExitErr reports the
// exec.Cmd.Wait error observed at that point, if any.
func (d *StreamDriver) Exited(sessionID string) (<-chan struct{}, error) {
	d.mu.RLock()
	sess, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return nil, ierr.New(ierr.Unavailable, "no bound session: "+sessionID)
	}
	return sess.exited, nil
}

// ExitErr reports the exit error observed for sessionID's agent process.
// Only meaningful after the channel Exited returns has closed.
func (d *StreamDriver) ExitErr(sessionID string) error {
	d.mu.RLock()
	sess, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	return sess.exitErr
}

func (d *StreamDriver) Bind(ctx context.Context, sessionID string) error {
	return ierr.New(ierr.Protocol, "stream sessions must be bound via BindProcess, which needs a command line")
}

func (d *StreamDriver) Close(sessionID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	sess.cancel()
	sess.stdin.Close()
	_ = sess.cmd.Process.Kill()
	sess.wg.Wait()
	close(sess.events)
	return nil
}

func (d *StreamDriver) SendEvent(ctx context.Context, ev *wire.Event) error {
	// Events normally arrive via readLoop, not via an external caller; this
	// exists so ReqRespDriver and StreamDriver satisfy the same interface
	// when a caller wants to inject a synthetic event (e.g. tests).
	d.mu.RLock()
	sess, ok := d.sessions[ev.SessionID]
	d.mu.RUnlock()
	if !ok {
		return ierr.New(ierr.Unavailable, "no bound session for stream event: "+ev.SessionID)
	}
	select {
	case sess.events <- ev:
		return nil
	case <-ctx.Done():
		return ierr.Wrap(ierr.Cancelled, "send event cancelled", ctx.Err())
	}
}

func (d *StreamDriver) SendCommand(ctx context.Context, sessionID string, cmd *wire.Command) error {
	d.mu.RLock()
	sess, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return ierr.New(ierr.Unavailable, "no bound session for stream command: "+sessionID)
	}

	data, err := cmd.Marshal()
	if err != nil {
		return ierr.Wrap(ierr.Protocol, "marshal command", err)
	}
	data = append(data, '\n')

	if _, err := sess.stdin.Write(data); err != nil {
		return ierr.Wrap(ierr.Io, "write command to agent process stdin", err)
	}
	return nil
}

func (d *StreamDriver) Events(sessionID string) (<-chan *wire.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[sessionID]
	if !ok {
		return nil, ierr.New(ierr.Unavailable, "no bound session: "+sessionID)
	}
	return sess.events, nil
}

func (d *StreamDriver) readLoop(ctx context.Context, sessionID string, sess *streamSession, stdout io.ReadCloser) {
	defer sess.wg.Done()
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := wire.Parse(line)
		if err != nil {
			d.logger.Debug("non-wire agent output", zap.String("session_id", sessionID), zap.ByteString("line", line))
			continue
		}
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		if !ev.IsValid() {
			d.logger.Warn("invalid wire event from agent process", zap.String("session_id", sessionID))
			continue
		}

		select {
		case sess.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		d.logger.Warn("stream reader scanner error", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (d *StreamDriver) drainStderr(ctx context.Context, sessionID string, sess *streamSession, stderr io.ReadCloser) {
	defer sess.wg.Done()
	defer stderr.Close()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.logger.Debug("agent process stderr", zap.String("session_id", sessionID), zap.String("line", scanner.Text()))
	}
}
