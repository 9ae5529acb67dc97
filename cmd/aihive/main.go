// Command aihive runs the workflow integration service: the message
// channel, the task scanning and polling loops, and the workflow monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aihive/pkg/config"
	"aihive/pkg/logx"
	"aihive/pkg/version"
	"aihive/pkg/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "version":
		fmt.Printf("aihive %s (%s, %s)\n", version.Version, version.Commit, version.Date)
		return 0
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: aihive <command> [flags]

Commands:
  start     Run the workflow integration service
  version   Print version information

Run "aihive start -h" for start flags.
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to YAML config file")
		queueType  = fs.String("message-queue-type", "", "message channel variant: memory or nats")
		scanEvery  = fs.Duration("scan-interval", 0, "task scan interval (default 5m)")
		pollEvery  = fs.Duration("poll-interval", 0, "task poll interval (default 30s)")
		logDir     = fs.String("log-directory", "", "directory for workflow event logs")
		dbPath     = fs.String("db", "", "path to the sqlite database")
		metrics    = fs.String("metrics-addr", "", "address for the Prometheus endpoint, empty disables")
		debug      = fs.Bool("debug", false, "enable debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var debugDomains []string
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugDomains = strings.Split(domains, ",")
	}
	logx.SetDebug(*debug, debugDomains)
	logger := logx.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration error: %v", err)
		return 1
	}

	// Flags override the file.
	if *queueType != "" {
		cfg.Queue.Type = *queueType
	}
	if *scanEvery > 0 {
		cfg.Scan.Interval = *scanEvery
	}
	if *pollEvery > 0 {
		cfg.Poll.Interval = *pollEvery
	}
	if *logDir != "" {
		cfg.Monitor.LogDirectory = *logDir
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}
	if *metrics != "" {
		cfg.Metrics.Addr = *metrics
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration error: %v", err)
		return 1
	}

	svc, err := workflow.FromConfig(cfg)
	if err != nil {
		logger.Error("startup failed: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error("startup failed: %v", err)
		return 1
	}
	logger.Info("aihive %s running, queue=%s", version.Version, cfg.Queue.Type)

	<-ctx.Done()
	stop()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed: %v", err)
		return 1
	}
	return 0
}
