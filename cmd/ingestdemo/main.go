// Command ingestdemo drives the ingest pipeline against a local fMP4
// file and renders its progress to the terminal. It stands in for the
// browser host: it feeds the file's bytes to an Orchestrator, renders
// worker_ready/frame_processed/cleanup_complete messages as they
// arrive, and issues a get_performance_metrics request once a second
// from its own goroutine to demonstrate the host<->worker protocol's
// request/response half alongside the one-way notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipforge/ingestpipe/internal/config"
	"github.com/clipforge/ingestpipe/internal/orchestrator"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(os.Args[2:])
	case "version":
		fmt.Println("ingestdemo dev")
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `ingestdemo - drive the ingest pipeline against a local fMP4 file

Usage:
  ingestdemo ingest -input <file> [flags]
  ingestdemo version
  ingestdemo help

Run 'ingestdemo ingest -h' for the ingest flags.`)
}

type ingestArgs struct {
	input         string
	targetFPS     int
	maxBufferSize int
	maxMemoryMB   int64
	verbose       bool
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	ia := ingestArgs{}
	fs.StringVar(&ia.input, "input", "", "path to a local fMP4 file (required)")
	fs.IntVar(&ia.targetFPS, "fps", config.DefaultTargetFPS, "target output frame rate")
	fs.IntVar(&ia.maxBufferSize, "buffer", config.DefaultMaxBufferSize, "rate controller candidate buffer size")
	fs.Int64Var(&ia.maxMemoryMB, "memory-mb", config.DefaultMaxMemoryBytes/(1<<20), "frame buffer memory cap, in MiB")
	fs.BoolVar(&ia.verbose, "v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ingestdemo ingest -input <file> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if ia.input == "" {
		fs.Usage()
		return errors.New("ingest: -input is required")
	}
	return executeIngest(ia)
}

func executeIngest(ia ingestArgs) error {
	level := slog.LevelInfo
	if ia.verbose || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	data, err := os.ReadFile(ia.input)
	if err != nil {
		return fmt.Errorf("reading %s: %w", ia.input, err)
	}

	cfg := config.NewConfig()
	cfg.TargetFPS = ia.targetFPS
	cfg.MaxBufferSize = ia.maxBufferSize
	cfg.MaxMemoryBytes = ia.maxMemoryMB * (1 << 20)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	decodeCap := &passthroughCapability{}
	o := orchestrator.New(decodeCap, cfg.TargetFPS, cfg.MaxBufferSize, cfg.MaxMemoryBytes, cfg.Thresholds, log)

	r := newRenderer()
	o.OnMessage(func(msg orchestrator.WorkerMessage) {
		r.handle(msg)
		if msg.Type == orchestrator.MsgFrameProcessed {
			msg.FrameProcessed.Frame.Close()
			o.Release(msg.FrameProcessed)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, requesting cleanup", "signal", sig)
		o.Notify(orchestrator.HostMessage{Type: orchestrator.MsgCleanup})
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel() // stop pollMetrics once the clip finishes, not just on signal
		return o.Run(ctx, data)
	})
	g.Go(func() error {
		return pollMetrics(ctx, o, r)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	r.finish()
	return nil
}

// pollMetrics issues a get_performance_metrics request once a second
// until ctx is done, demonstrating the protocol's request/response
// half from a goroutine distinct from the one running Run.
func pollMetrics(ctx context.Context, o *orchestrator.Orchestrator, r *renderer) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			resp, err := o.Request(reqCtx, orchestrator.HostMessage{Type: orchestrator.MsgGetPerformanceMetrics})
			cancel()
			if err != nil {
				continue
			}
			if resp.PerformanceSnapshot != nil {
				r.reportMetrics(*resp.PerformanceSnapshot)
			}
		}
	}
}
