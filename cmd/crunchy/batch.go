package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/crunchy/internal/compress"
	"github.com/mattjoyce/crunchy/internal/lock"
	"github.com/mattjoyce/crunchy/internal/log"
	"github.com/mattjoyce/crunchy/internal/observability"
)

// batchOp applies one runner operation to the targets.
type batchOp func(r *compress.Runner, ctx context.Context, targets []compress.Target) compress.Report

type batchFlags struct {
	configPath     string
	dryRun         bool
	targetsFile    string
	sampleID       string
	jsonOut        bool
	metricsFile    string
	maxConversions int
	tasks          int
	memoryGB       int
}

func newBatchFlagSet(name string, submits bool) (*flag.FlagSet, *batchFlags) {
	f := &batchFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Log what would happen, touch nothing")
	fs.StringVar(&f.targetsFile, "targets", "", "YAML file of targets")
	fs.StringVar(&f.sampleID, "sample", "", "Sample id for positional paths")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the report as JSON")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file")
	if submits {
		fs.IntVar(&f.maxConversions, "n", compress.DefaultMaxConversions, "Maximum submissions this run")
		fs.IntVar(&f.maxConversions, "number-of-conversions", compress.DefaultMaxConversions, "Maximum submissions this run")
		fs.IntVar(&f.tasks, "ntasks", 0, "Override crunchy.slurm.tasks")
		fs.IntVar(&f.memoryGB, "mem", 0, "Override crunchy.slurm.memory_gb")
	}
	return fs, f
}

func (f *batchFlags) targets(paths []string) ([]compress.Target, error) {
	out := compress.TargetsFromPaths(f.sampleID, paths)
	if f.targetsFile != "" {
		loaded, err := compress.LoadTargets(f.targetsFile)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded...)
	}
	return out, nil
}

func runBatch(name string, args []string, submits bool, op batchOp) int {
	if hasHelpFlag(args) {
		printBatchHelp(name, submits)
		return 0
	}
	fs, f := newBatchFlagSet(name, submits)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if f.maxConversions < 0 || f.tasks < 0 || f.memoryGB < 0 {
		fmt.Fprintln(os.Stderr, "-n, --ntasks and --mem must not be negative")
		return 1
	}
	targets, err := f.targets(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read targets: %v\n", err)
		return 1
	}
	if len(targets) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: crunchy %s [flags] <paths...> (or --targets FILE)\n", name)
		return 1
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg.Service.LogLevel, f.jsonOut)
	logger := log.WithComponent("main")

	if !f.dryRun {
		runLock, err := lock.Acquire(runLockPath(cfg))
		if err != nil {
			logger.Error("another crunchy run is active", "error", err)
			fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
			return 1
		}
		defer runLock.Release()
	}

	ccfg := crunchyConfig(cfg, f.dryRun)
	if f.tasks > 0 {
		ccfg.Tasks = f.tasks
	}
	if f.memoryGB > 0 {
		ccfg.MemoryGB = f.memoryGB
	}
	api, err := newAPI(ccfg, slurmOptions(cfg, f.dryRun))
	if err != nil {
		logger.Error("failed to configure crunchy", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var rec compress.Recorder
	if store := openLedger(ctx, cfg, logger); store != nil {
		defer store.Close()
		rec = store
	}

	var metrics *observability.Metrics
	if f.metricsFile != "" {
		m, _, err := observability.NewMetrics()
		if err != nil {
			logger.Error("failed to create metrics", "error", err)
			return 1
		}
		defer func() { _ = m.Shutdown(context.Background()) }()
		metrics = m
	}

	runner := compress.NewRunner(api, rec, metrics, compress.Options{MaxConversions: f.maxConversions})
	logger.Info("batch starting", "command", name, "targets", len(targets), "dry_run", f.dryRun)
	report := op(runner, ctx, targets)

	if err := metrics.WriteTextfile(f.metricsFile); err != nil {
		logger.Warn("failed to write metrics", "path", f.metricsFile, "error", err)
	}
	if err := printReport(report, f.jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
		return 1
	}
	if !report.OK() {
		return 1
	}
	return 0
}

func printReport(report compress.Report, jsonOut bool) error {
	if jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	for _, res := range report.Jobs {
		line := fmt.Sprintf("%-9s %s", res.Outcome, res.Path)
		switch {
		case res.JobID > 0:
			line += fmt.Sprintf(" (job %d)", res.JobID)
		case res.Error != "":
			line += ": " + res.Error
		case res.Reason != "":
			line += " (" + res.Reason + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("submitted=%d updated=%d skipped=%d failed=%d\n",
		report.Submitted, report.Updated, report.Skipped, report.Failed)
	return nil
}

// --- NOUN DISPATCHERS ---

func runCompressNoun(args []string) int {
	if len(args) < 1 {
		printCompressNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCompressNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "fastq":
		return runBatch("compress fastq", args[1:], true, (*compress.Runner).CompressFastq)
	case "bam":
		return runBatch("compress bam", args[1:], true, (*compress.Runner).CompressBAM)
	default:
		fmt.Fprintf(os.Stderr, "Unknown compress action: %s\n", args[0])
		return 1
	}
}

func runDecompressNoun(args []string) int {
	if len(args) < 1 {
		printDecompressNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDecompressNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "spring":
		return runBatch("decompress spring", args[1:], true, (*compress.Runner).DecompressSpring)
	case "finalize":
		return runBatch("decompress finalize", args[1:], false, (*compress.Runner).FinalizeDecompression)
	default:
		fmt.Fprintf(os.Stderr, "Unknown decompress action: %s\n", args[0])
		return 1
	}
}

func runCleanNoun(args []string) int {
	if len(args) < 1 {
		printCleanNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCleanNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "fastq":
		return runBatch("clean fastq", args[1:], false, (*compress.Runner).CleanFastq)
	default:
		fmt.Fprintf(os.Stderr, "Unknown clean action: %s\n", args[0])
		return 1
	}
}
