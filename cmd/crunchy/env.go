package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/crunchy/internal/config"
	"github.com/mattjoyce/crunchy/internal/crunchy"
	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/ledger"
	"github.com/mattjoyce/crunchy/internal/log"
	"github.com/mattjoyce/crunchy/internal/slurm"
)

// loadConfig discovers and loads the configuration.
func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.Discover(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// runLockPath keeps the batch lock next to the ledger, on local disk.
func runLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Ledger.Path), "crunchy.lock")
}

// setupLogging sends logs to stderr when stdout carries machine output.
func setupLogging(level string, quietStdout bool) {
	var w io.Writer = os.Stdout
	if quietStdout {
		w = os.Stderr
	}
	log.SetupWriter(w, level)
}

func crunchyConfig(cfg *config.Config, dryRun bool) crunchy.Config {
	c := cfg.Crunchy
	return crunchy.Config{
		Account:       c.Slurm.Account,
		MailUser:      c.Slurm.MailUser,
		CondaEnv:      c.CondaEnv,
		CRAMReference: c.CRAMReference,
		QOS:           slurm.QOS(c.Slurm.QOS),
		Exclude:       c.Slurm.Exclude,
		RetentionDays: c.RetentionDays,
		Tasks:         c.Slurm.Tasks,
		MemoryGB:      c.Slurm.MemoryGB,
		Hours:         c.Slurm.Hours,
		Binary:        c.Binary,
		DryRun:        dryRun,
	}
}

func slurmOptions(cfg *config.Config, dryRun bool) slurm.Options {
	return slurm.Options{
		Binary:  cfg.Crunchy.Slurm.Sbatch,
		Timeout: cfg.Crunchy.Slurm.SubmitTimeout,
		DryRun:  dryRun,
		Logger:  log.WithComponent("slurm"),
	}
}

// newAPI builds the state machine on the real filesystem and scheduler.
func newAPI(cfg crunchy.Config, opts slurm.Options) (*crunchy.API, error) {
	return crunchy.New(cfg, files.OS{}, slurm.NewSubmitter(opts))
}

// newReadOnlyAPI builds an API for queries only; it can never submit.
func newReadOnlyAPI(cfg *config.Config) (*crunchy.API, error) {
	return newAPI(crunchyConfig(cfg, true), slurmOptions(cfg, true))
}

// openLedger opens the ledger, returning nil when it is unavailable. Losing the
// audit trail must not stop conversions.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) *ledger.Store {
	store, err := ledger.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		logger.Warn("submission ledger unavailable", "path", cfg.Ledger.Path, "error", err)
		return nil
	}
	return store
}
