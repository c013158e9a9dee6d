package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/crunchy/internal/api"
	"github.com/mattjoyce/crunchy/internal/crunchy"
	"github.com/mattjoyce/crunchy/internal/ledger"
	"github.com/mattjoyce/crunchy/internal/log"
	"github.com/mattjoyce/crunchy/internal/observability"
)

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output states as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() == 0 {
		printStatusHelp()
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg.Service.LogLevel, true)

	a, err := newReadOnlyAPI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure crunchy: %v\n", err)
		return 1
	}

	exit := 0
	states := make([]crunchy.State, 0, fs.NArg())
	for _, path := range fs.Args() {
		s, err := a.StateOf(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exit = 1
			continue
		}
		states = append(states, s)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(states, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return exit
	}

	for _, s := range states {
		fmt.Printf("%s\n", s.Unit)
		fmt.Printf("  phase:                  %s\n", s.Phase)
		if s.Failed {
			fmt.Printf("  last job failed:        %t\n", s.Failed)
		}
		fmt.Printf("  spring:                 %t\n", s.SpringExists)
		fmt.Printf("  fastq:                  %t\n", s.FastqExists)
		if s.LastUnpacked != "" {
			fmt.Printf("  last unpacked:          %s\n", s.LastUnpacked)
		}
		if s.MetadataError != "" {
			fmt.Printf("  metadata error:         %s\n", s.MetadataError)
		}
		fmt.Printf("  compression possible:   %t\n", s.CompressionPossible)
		fmt.Printf("  compression done:       %t\n", s.CompressionDone)
		fmt.Printf("  decompression possible: %t\n", s.DecompressionPossible)
		fmt.Printf("  decompression done:     %t\n", s.DecompressionDone)
	}
	return exit
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	unit := fs.String("unit", "", "Only submissions for this unit stub")
	direction := fs.String("direction", "", "Only submissions in this direction")
	limit := fs.Int("limit", ledger.DefaultListLimit, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output entries as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 || *limit <= 0 {
		printHistoryHelp()
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg.Service.LogLevel, true)

	ctx := context.Background()
	store, err := ledger.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.List(ctx, ledger.Filter{Unit: *unit, Direction: *direction, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list submissions: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render history JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No submissions recorded.")
		return 0
	}
	for _, e := range entries {
		fmt.Printf("%s  %-16s job %-8d %s\n", e.SubmittedAt.Format("2006-01-02 15:04:05"), e.Direction, e.JobID, e.Unit)
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("crunchy starting", "version", version, "config", cfg.SourcePath)

	a, err := newReadOnlyAPI(cfg)
	if err != nil {
		logger.Error("failed to configure crunchy", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var subs api.SubmissionLister
	if store := openLedger(ctx, cfg, logger); store != nil {
		defer store.Close()
		subs = store
	}

	metrics, metricsHandler, err := observability.NewMetrics()
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		return 1
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	server := api.New(api.Config{Listen: cfg.API.Listen}, a, subs, metrics, metricsHandler, log.WithComponent("api"))
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("API server failed", "error", err)
		return 1
	}
	logger.Info("crunchy stopped")
	return 0
}
