package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/config"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/ipc"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/queue"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"github.com/agent-intercom/agent-intercom/internal/transport/reqresp"
	"github.com/agent-intercom/agent-intercom/internal/transport/stream"
)

// taskDrainInterval bounds how often a stream-mode deployment checks the
// task inbox for a new session to launch; the inbox itself is durable
// (internal/store), so a missed tick just means the next one picks it up.
const taskDrainInterval = 2 * time.Second

func buildIPCServer(cliMode string, cfg *config.Config, st *store.Store, eng *clearance.Engine, orch *session.Orchestrator, q *queue.Queue, logger *obslog.Logger) (*ipc.Server, error) {
	d := ipc.NewDispatcher(st, eng, orch, q)
	return ipc.New(ipc.Config{IPCName: cfg.IPCName, ModeSuffix: cliMode}, d, logger)
}

// buildReqRespServer wires srv against drv, the same *driver.ReqRespDriver
// instance passed to session.New — session.Orchestrator.Terminate calls
// Close on whatever driver it was constructed with, so the server and the
// orchestrator must share one driver, not each get their own.
func buildReqRespServer(cfg *config.Config, httpPort int, orch *session.Orchestrator, eng *clearance.Engine, q *queue.Queue, st *store.Store, drv *driver.ReqRespDriver, logger *obslog.Logger) *reqresp.Server {
	return reqresp.New(reqresp.Config{
		Addr:           fmt.Sprintf(":%d", httpPort),
		MaxConnections: cfg.MaxConcurrentSessions,
	}, orch, eng, q, st, drv, logger)
}

// buildStreamCoordinator mirrors buildReqRespServer's shared-driver
// requirement for stream mode's *driver.StreamDriver.
func buildStreamCoordinator(cfg *config.Config, orch *session.Orchestrator, eng *clearance.Engine, st *store.Store, drv *driver.StreamDriver, logger *obslog.Logger) *stream.Coordinator {
	return stream.New(stream.Config{
		HostCLI:     cfg.HostCLI,
		HostCLIArgs: cfg.HostCLIArgs,
	}, drv, orch, eng, st, logger)
}

// runTaskDrainLoop is stream mode's front door: every workspace with a bound
// channel has its task inbox polled, and each queued item spawns a new
// supervised agent process for that workspace, with the item's text handed
// to the session as its first steering instruction. req/resp mode has no
// equivalent loop — an agent process calls in on its own over HTTP, so
// there is nothing here for agent-intercom to launch.
func runTaskDrainLoop(ctx context.Context, cfg *config.Config, coord *stream.Coordinator, q *queue.Queue, logger *obslog.Logger) {
	ticker := time.NewTicker(taskDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ws := range cfg.Workspace {
				if ws.ChannelID == "" {
					continue
				}
				items, err := q.DrainInbox(ctx, ws.ChannelID)
				if err != nil {
					logger.Warn("draining task inbox failed", zap.String("workspace_id", ws.ID), zap.Error(err))
					continue
				}
				for _, item := range items {
					sess, err := coord.Launch(ctx, "operator", ws.ChannelID, ws.Root, "", "")
					if err != nil {
						logger.Warn("launching stream session from task inbox failed",
							zap.String("workspace_id", ws.ID), zap.Error(err))
						continue
					}
					if err := q.EnqueueSteering(ctx, sess.ID, ws.ChannelID, item.Text, store.SourceIPC); err != nil {
						logger.Warn("queuing initial task instruction failed",
							zap.String("session_id", sess.ID), zap.Error(err))
					}
				}
			}
		}
	}
}
