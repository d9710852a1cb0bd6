// Package main is agent-intercom's unified entry point: one binary running
// either protocol mode (req/resp or stream), the Slack chat surface, the
// local operator control channel, and the retention sweeper together
// against shared storage. Grounded on kdlbs-kandev's cmd/kandev/main.go
// single-binary-many-services shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/chat/aliases"
	"github.com/agent-intercom/agent-intercom/internal/chat/dispatch"
	"github.com/agent-intercom/agent-intercom/internal/chat/outbound"
	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/config"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/pathsafe"
	"github.com/agent-intercom/agent-intercom/internal/queue"
	"github.com/agent-intercom/agent-intercom/internal/retention"
	"github.com/agent-intercom/agent-intercom/internal/secretsource"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/shutdown"
	"github.com/agent-intercom/agent-intercom/internal/stall"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// version is stamped at release time; "dev" is what a local build reports.
var version = "dev"

// Exit codes, spec §7: 0 normal, 1 config error, 2 bind error, 3 fatal
// runtime error encountered after startup.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitRuntime     = 3
)

type flags struct {
	configPath string
	workspace  string
	mode       string
	transport  string
	port       int
	logFormat  string
	version    bool
	dumpConfig bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to agent-intercom.toml (default: ./agent-intercom.toml)")
	flag.StringVar(&f.workspace, "workspace", "", "override the default workspace root")
	flag.StringVar(&f.mode, "mode", "reqresp", "protocol mode: reqresp or stream")
	flag.StringVar(&f.transport, "transport", "http", "reqresp transport: http (stdio is not yet supported)")
	flag.IntVar(&f.port, "port", 0, "override the configured HTTP port (reqresp mode only)")
	flag.StringVar(&f.logFormat, "log-format", "", "override the configured log format: human or json")
	flag.BoolVar(&f.version, "version", false, "print the version and exit")
	flag.BoolVar(&f.dumpConfig, "dump-config", false, "print the fully resolved configuration as YAML and exit")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if f.version {
		fmt.Println("agent-intercom " + version)
		os.Exit(exitOK)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}
	if err := applyFlagOverrides(cfg, f); err != nil {
		fmt.Fprintf(os.Stderr, "invalid flag: %v\n", err)
		os.Exit(exitConfigError)
	}
	if f.dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
			os.Exit(exitConfigError)
		}
		os.Stdout.Write(out)
		os.Exit(exitOK)
	}

	logFormat := cfg.Logging.Format
	if f.logFormat != "" {
		logFormat = f.logFormat
	}
	logger, err := obslog.New(obslog.Config{
		Level:      cfg.Logging.Level,
		Format:     logFormat,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	obslog.SetDefault(logger)
	logger.Info("starting agent-intercom", zap.String("version", version), zap.String("mode", f.mode))

	if err := run(cfg, f, logger); err != nil {
		logger.Error("agent-intercom exited with error", zap.Error(err))
		os.Exit(exitCodeFor(err))
	}
}

func applyFlagOverrides(cfg *config.Config, f flags) error {
	if f.mode != "reqresp" && f.mode != "stream" {
		return fmt.Errorf("--mode must be reqresp or stream, got %q", f.mode)
	}
	if f.mode == "reqresp" && f.transport != "http" {
		return fmt.Errorf("--transport %q is not supported (only http)", f.transport)
	}
	if f.port != 0 {
		cfg.HTTPPort = f.port
	}
	if f.workspace != "" {
		root, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		resolved, err := pathsafe.Resolve(root, f.workspace)
		if err != nil {
			return fmt.Errorf("--workspace %q: %w", f.workspace, err)
		}
		cfg.DefaultWorkspaceRoot = resolved
	}
	return nil
}

func exitCodeFor(err error) int {
	switch ierr.CodeOf(err) {
	case ierr.Config:
		return exitConfigError
	case ierr.Unavailable, ierr.Io:
		return exitBindError
	default:
		return exitRuntime
	}
}

func run(cfg *config.Config, f flags, logger *obslog.Logger) error {
	st, err := buildStore(cfg)
	if err != nil {
		return err
	}

	policyCache, err := buildPolicyCache(cfg, logger)
	if err != nil {
		return err
	}
	defer policyCache.Close()

	auditLogger, err := buildAuditLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())

	secretMode := secretsource.ModeReqResp
	if f.mode == "stream" {
		secretMode = secretsource.ModeStream
	}
	chat, creds := connectSlack(secretMode, st, logger)

	var notifier clearance.Notifier = noopNotifier{}
	var outboundQ *outbound.Queue
	if chat != nil {
		notifier = chat.poster
		outboundQ = outbound.New(chat.poster, logger, outbound.DefaultConfig())
	}

	eng := clearance.New(st, notifier, policyCache, clearance.Config{
		ApprovalTimeout: cfg.Timeouts.Approval(),
		PromptTimeout:   cfg.Timeouts.Prompt(),
	})
	eng.SetAuditLogger(auditLogger)

	// The session orchestrator and the protocol-mode server/coordinator must
	// share one driver instance: Orchestrator.Terminate calls Close on it,
	// which only tears down sessions the same instance bound.
	var reqrespDrv *driver.ReqRespDriver
	var streamDrv *driver.StreamDriver
	var activeDriver driver.Driver
	if f.mode == "stream" {
		streamDrv = driver.NewStreamDriver(logger)
		activeDriver = streamDrv
	} else {
		reqrespDrv = driver.NewReqRespDriver()
		activeDriver = reqrespDrv
	}

	orch := session.New(st, eng, activeDriver, logger, rootCtx, session.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		Stall: stall.Config{
			InactivityThreshold: cfg.Stall.InactivityThreshold(),
			EscalationThreshold: cfg.Stall.EscalationThreshold(),
			MaxRetries:          cfg.Stall.MaxRetries,
			DefaultNudgeText:    cfg.Stall.DefaultNudgeMessage,
		},
	})
	orch.SetAuditLogger(auditLogger)

	q := queue.New(st, orch, cfg.IsSingleChannelDeployment())
	aliasMatcher := aliases.New(cfg.Commands)

	var editor dispatch.Editor
	if chat != nil {
		editor = chat.poster
	}
	d := dispatch.New(eng, q, editor, creds.AuthorizedUserIDs, aliasMatcher, logger)

	if chat != nil {
		go runSocketmodeConsumer(rootCtx, chat.socket, orch, d, logger)
	}

	sweeper := retention.New(st, retention.Config{RetentionDays: cfg.RetentionDays}, logger)
	sweeper.SetAuditLogger(auditLogger)
	go sweeper.Run(rootCtx)

	ipcServer, err := buildIPCServer(f.mode, cfg, st, eng, orch, q, logger)
	if err != nil {
		rootCancel()
		return err
	}
	go func() {
		if err := ipcServer.ListenAndServe(rootCtx); err != nil {
			logger.Warn("ipc server stopped", zap.Error(err))
		}
	}()
	logger.Info("ipc control channel listening", zap.String("addr", ipcServer.Addr()))

	if err := orch.ColdStartRecover(rootCtx); err != nil {
		logger.Warn("cold-start recovery encountered an error", zap.Error(err))
	}

	switch f.mode {
	case "reqresp":
		srv := buildReqRespServer(cfg, cfg.HTTPPort, orch, eng, q, st, reqrespDrv, logger)
		go func() {
			if err := srv.ListenAndServe(rootCtx); err != nil {
				logger.Error("reqresp server stopped", zap.Error(err))
			}
		}()
		logger.Info("reqresp server listening", zap.Int("port", cfg.HTTPPort))
	case "stream":
		coord := buildStreamCoordinator(cfg, orch, eng, st, streamDrv, logger)
		go runTaskDrainLoop(rootCtx, cfg, coord, q, logger)
		logger.Info("stream mode armed, watching task inboxes")
	}

	coordinator := shutdown.New(rootCancel, outboundQ, orch, st, logger, shutdown.DefaultConfig())
	return coordinator.WaitForSignal()
}

// noopNotifier satisfies clearance.Notifier when no chat channel is
// configured at all: every blocking record still gets posted (a no-op that
// returns an empty chat handle), and the caller blocks until
// ApprovalTimeout/PromptTimeout expires exactly as it would against a
// configured channel with no operator watching it.
type noopNotifier struct{}

func (noopNotifier) PostClearance(ctx context.Context, cr store.ClearanceRequest) (string, error) {
	return "", nil
}

func (noopNotifier) PostPrompt(ctx context.Context, p store.ContinuationPrompt) (string, error) {
	return "", nil
}

func (noopNotifier) PostCommandApproval(ctx context.Context, sessionID, command string, riskLevel store.RiskLevel) (string, error) {
	return "", nil
}
