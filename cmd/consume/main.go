// Package main is the entry point for the consume runner: it polls a task
// board for ready tasks, dispatches each to a coding-agent subprocess,
// reviews successful completions, and exposes status/control over a unix
// socket. Grounded on the teacher's cmd/mcp-server/main.go (flag parsing,
// logger bring-up, signal-driven shutdown).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuelrun/fuel/internal/agentdriver"
	"github.com/fuelrun/fuel/internal/config"
	"github.com/fuelrun/fuel/internal/consume"
	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/gitdiff"
	"github.com/fuelrun/fuel/internal/health"
	"github.com/fuelrun/fuel/internal/ipc"
	"github.com/fuelrun/fuel/internal/pidfile"
	"github.com/fuelrun/fuel/internal/procmgr"
	"github.com/fuelrun/fuel/internal/review"
	"github.com/fuelrun/fuel/internal/snapshot"
	"github.com/fuelrun/fuel/internal/store/sqlite"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitUsageError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Config is loaded before flags are declared so --interval and
	// --max-concurrent-per-agent default to runner.interval_seconds and
	// runner.max_concurrent_per_agent from config.yaml/env instead of
	// hardcoded values; an explicit flag still wins.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "consume: load config: %v\n", err)
		return exitFatal
	}

	intervalFlag := flag.Int("interval", cfg.Runner.IntervalSeconds, "tick interval in seconds")
	maxConcurrentFlag := flag.Int("max-concurrent-per-agent", cfg.Runner.MaxConcurrentPerAgent, "default per-agent concurrency cap")
	onceFlag := flag.Bool("once", false, "run a single tick then exit")
	jsonFlag := flag.Bool("json", false, "emit snapshots as newline-delimited JSON on stdout")
	flag.Parse()

	if *intervalFlag <= 0 || *maxConcurrentFlag < 0 {
		fmt.Fprintln(os.Stderr, "consume: --interval must be positive and --max-concurrent-per-agent must not be negative")
		return exitUsageError
	}

	log, err := corelog.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consume: init logger: %v\n", err)
		return exitFatal
	}
	defer func() { _ = log.Sync() }()

	instanceID := uuid.New().String()
	log = log.WithFields(zap.String("instance_id", instanceID))

	sockPath := cfg.Home + "/consume.sock"
	pidPath, err := pidfile.Acquire(cfg.Home, instanceID, sockPath)
	if err != nil {
		if err == pidfile.ErrAlreadyRunning {
			log.Error("consume runner already running", zap.String("home", cfg.Home))
			return exitFatal
		}
		log.Error("failed to acquire pidfile", zap.Error(err))
		return exitFatal
	}
	defer func() { _ = pidfile.Remove(pidPath) }()

	st, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		log.Error("failed to open task store", zap.Error(err))
		return exitFatal
	}
	defer func() { _ = st.Close() }()

	procs := procmgr.New(log, procmgr.Options{
		IdleTimeout:   time.Duration(cfg.Runner.IdleTimeoutSeconds) * time.Second,
		MaxRuntime:    time.Duration(cfg.Runner.MaxRuntimeSeconds) * time.Second,
		ShutdownGrace: time.Duration(cfg.Runner.ShutdownGraceSeconds) * time.Second,
	})
	healthT := health.New()
	drivers := agentdriver.NewRegistry()
	diffs := gitdiff.New(cfg.Home)
	reviews := review.New(st, procs, drivers, diffs, log, instanceID)

	// loop is assigned after both loop and server are constructed; the
	// handlers below close over this variable by reference and are only
	// invoked once the server starts accepting requests, by which point
	// it is non-nil.
	var loop *consume.Loop

	// Status and Snapshot both answer with the last published Snapshot
	// rather than a bare state string, so an IPC peer (spec.md §6) gets the
	// full board view, health table, and config instead of just the state.
	handlers := ipc.Handlers{
		Status: func(ctx context.Context) (interface{}, error) {
			return loop.LastSnapshot(), nil
		},
		Pause: func(ctx context.Context) (interface{}, error) {
			loop.Pause()
			return loop.LastSnapshot(), nil
		},
		Resume: func(ctx context.Context) (interface{}, error) {
			loop.Resume()
			return loop.LastSnapshot(), nil
		},
		Shutdown: func(ctx context.Context) (interface{}, error) {
			loop.Drain()
			return loop.LastSnapshot(), nil
		},
		Snapshot: func(ctx context.Context) (interface{}, error) {
			return loop.LastSnapshot(), nil
		},
	}
	server := ipc.New(instanceID, handlers, log)

	var publisher consume.Publisher = server
	if *jsonFlag {
		publisher = jsonPublisher{inner: server}
	}

	browserSockPath := cfg.Home + "/browser.sock"
	browserDaemonUp := func() bool {
		conn, err := net.DialTimeout("unix", browserSockPath, 200*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}

	effectiveConfig := map[string]interface{}{
		"interval_seconds":         *intervalFlag,
		"max_concurrent_per_agent": *maxConcurrentFlag,
		"max_total_concurrent":     cfg.Runner.MaxTotalConcurrent,
		"idle_timeout_seconds":     cfg.Runner.IdleTimeoutSeconds,
		"max_runtime_seconds":      cfg.Runner.MaxRuntimeSeconds,
		"shutdown_grace_seconds":   cfg.Runner.ShutdownGraceSeconds,
		"store_path":               cfg.Store.Path,
		"agents_max_concurrent":    cfg.Agents.MaxConcurrent,
	}

	loopCfg := consume.Config{
		Interval:              time.Duration(*intervalFlag) * time.Second,
		MaxConcurrentPerAgent: cfg.Agents.MaxConcurrent,
		DefaultPerAgentLimit:  *maxConcurrentFlag,
		MaxTotalConcurrent:    cfg.Runner.MaxTotalConcurrent,
		EffectiveConfig:       effectiveConfig,
		BrowserDaemonUp:       browserDaemonUp,
	}
	loop = consume.New(st, procs, healthT, drivers, reviews, publisher, log, instanceID, loopCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go procs.Run(ctx)

	if *onceFlag {
		loop.RunOnce(ctx)
		procs.Shutdown()
		return exitOK
	}

	go func() {
		if err := server.Serve(ctx, sockPath); err != nil {
			log.Warn("ipc server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loopDone := make(chan struct{})
	go func() {
		loop.Start(ctx)
		close(loopDone)
	}()

	<-sigCh
	log.Info("shutdown signal received, draining")
	loop.Drain()

	select {
	case <-loopDone:
	case <-time.After(time.Duration(cfg.Runner.ShutdownGraceSeconds+5) * time.Second):
		log.Warn("timed out waiting for loop to drain")
	}
	procs.Shutdown()
	cancel()

	log.Info("consume runner stopped")
	return exitOK
}

// jsonPublisher mirrors every broadcast snapshot to stdout as
// newline-delimited JSON, in addition to the normal IPC broadcast.
type jsonPublisher struct {
	inner consume.Publisher
}

func (j jsonPublisher) Broadcast(snap snapshot.Snapshot) {
	j.inner.Broadcast(snap)
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(snap)
}
