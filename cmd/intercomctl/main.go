// Package main is intercomctl, the companion CLI for agent-intercom's local
// operator control channel (C14, spec §4.13). It sends exactly one IPC
// request and prints exactly one response — no flag framework beyond the
// standard library, matching how small the request/response shape is.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/config"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/ipc"
)

const requestTimeout = 15 * time.Second

func main() {
	var (
		configPath string
		modeSuffix string
	)
	flag.StringVar(&configPath, "config", "", "path to agent-intercom.toml (used only to read ipc_name)")
	flag.StringVar(&modeSuffix, "mode", "reqresp", "which instance to talk to: reqresp or stream")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	req, err := buildRequest(args[0], args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "intercomctl: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intercomctl: loading config: %v\n", err)
		os.Exit(1)
	}

	addr, err := ipc.ResolveAddress(cfg.IPCName, modeSuffix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intercomctl: resolving control address: %v\n", err)
		os.Exit(1)
	}
	token, err := ipc.ReadTokenFile(ipc.TokenPath(addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "intercomctl: reading token (is agent-intercom running in %s mode?): %v\n", modeSuffix, err)
		os.Exit(1)
	}

	client := ipc.NewClient(addr, token)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := client.Send(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intercomctl: %v\n", err)
		os.Exit(2)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "intercomctl: %s\n", resp.Error)
		os.Exit(3)
	}
	printResponse(resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: intercomctl [--config path] [--mode reqresp|stream] <command> [args...]

commands:
  list                           list active sessions and their pending requests
  approve <id>                   approve a pending clearance or continuation prompt
  reject <id> [reason]           reject a pending clearance or continuation prompt
  resume <session_id> [text]     resume a stalled session, then queue optional steering text
  mode <Remote|Local|Hybrid>     set the operational mode of the single active session
  steer <session_id> <text>      queue a steering instruction for a running session
  task <channel_id> <text>       queue a new task for a stream-mode channel's inbox`)
}

func buildRequest(command string, args []string) (ipc.Request, error) {
	switch command {
	case ipc.CommandList:
		return ipc.Request{Command: ipc.CommandList}, nil

	case ipc.CommandApprove:
		if len(args) < 1 {
			return ipc.Request{}, ierr.New(ierr.Protocol, "approve requires <id>")
		}
		return ipc.Request{Command: ipc.CommandApprove, ID: args[0]}, nil

	case ipc.CommandReject:
		if len(args) < 1 {
			return ipc.Request{}, ierr.New(ierr.Protocol, "reject requires <id>")
		}
		reason := ""
		if len(args) > 1 {
			reason = args[1]
		}
		return ipc.Request{Command: ipc.CommandReject, ID: args[0], Reason: reason}, nil

	case ipc.CommandResume:
		if len(args) < 1 {
			return ipc.Request{}, ierr.New(ierr.Protocol, "resume requires <session_id>")
		}
		instruction := ""
		if len(args) > 1 {
			instruction = args[1]
		}
		return ipc.Request{Command: ipc.CommandResume, SessionID: args[0], Instruction: instruction}, nil

	case ipc.CommandMode:
		if len(args) < 1 {
			return ipc.Request{}, ierr.New(ierr.Protocol, "mode requires <Remote|Local|Hybrid>")
		}
		return ipc.Request{Command: ipc.CommandMode, Value: args[0]}, nil

	case ipc.CommandSteer:
		if len(args) < 2 {
			return ipc.Request{}, ierr.New(ierr.Protocol, "steer requires <session_id> <text>")
		}
		return ipc.Request{Command: ipc.CommandSteer, SessionID: args[0], Text: args[1]}, nil

	case ipc.CommandTask:
		if len(args) < 2 {
			return ipc.Request{}, ierr.New(ierr.Protocol, "task requires <channel_id> <text>")
		}
		return ipc.Request{Command: ipc.CommandTask, Channel: args[0], Text: args[1]}, nil

	default:
		return ipc.Request{}, ierr.New(ierr.Protocol, "unrecognized command: "+command)
	}
}

func printResponse(resp ipc.Response) {
	if resp.Data == nil {
		fmt.Println("ok")
		return
	}
	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		fmt.Println("ok")
		return
	}
	fmt.Println(string(out))
}
