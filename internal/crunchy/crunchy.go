// Package crunchy decides whether a unit can be compressed or decompressed,
// and submits the batch jobs that do the conversion.
//
// Nothing is stored between calls. Every answer is derived from the files the
// Inspector sees, so a pending flag removed out of band is simply observed as
// "not pending" on the next call.
package crunchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/log"
	"github.com/mattjoyce/crunchy/internal/slurm"
)

// ErrAlreadyPending is returned when a unit already has a job in flight.
var ErrAlreadyPending = errors.New("conversion already pending")

const (
	DefaultTasks    = 12
	DefaultMemoryGB = 50
	DefaultHours    = 24
	DefaultBinary   = "crunchy"
)

// Config holds the values the API is built with. It is copied at construction.
type Config struct {
	Account       string
	MailUser      string
	CondaEnv      string
	CRAMReference string
	QOS           slurm.QOS
	Exclude       string
	RetentionDays int
	Tasks         int
	MemoryGB      int
	Hours         int
	// Binary is the conversion executable invoked inside the job script.
	Binary string
	DryRun bool
}

func (c *Config) applyDefaults() {
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.Tasks == 0 {
		c.Tasks = DefaultTasks
	}
	if c.MemoryGB == 0 {
		c.MemoryGB = DefaultMemoryGB
	}
	if c.Hours == 0 {
		c.Hours = DefaultHours
	}
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.QOS == "" {
		c.QOS = slurm.QOSLow
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Account) == "" {
		return fmt.Errorf("slurm account is required")
	}
	if strings.TrimSpace(c.CondaEnv) == "" {
		return fmt.Errorf("conda env is required")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if c.Tasks < 0 || c.MemoryGB < 0 || c.Hours < 0 {
		return fmt.Errorf("job resources must not be negative")
	}
	return nil
}

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/crunchy/internal/crunchy Submitter

// Submitter hands a rendered script to the batch scheduler.
type Submitter interface {
	Submit(ctx context.Context, script, path string) (slurm.JobID, error)
}

// Option customizes an API.
type Option func(*API)

// WithClock overrides the source of "today".
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// API is the compression state machine for one configuration. Dry-run is fixed
// for its lifetime.
type API struct {
	cfg       Config
	inspector files.Inspector
	submitter Submitter
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an API. When the submitter reports its own dry-run mode it must
// agree with cfg.DryRun.
func New(cfg Config, in files.Inspector, sub Submitter, opts ...Option) (*API, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid crunchy config: %w", err)
	}
	if in == nil {
		return nil, fmt.Errorf("inspector is required")
	}
	if sub == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if d, ok := sub.(interface{ DryRun() bool }); ok && d.DryRun() != cfg.DryRun {
		return nil, fmt.Errorf("submitter dry-run %t does not match config dry-run %t", d.DryRun(), cfg.DryRun)
	}

	a := &API{
		cfg:       cfg,
		inspector: in,
		submitter: sub,
		now:       time.Now,
		logger:    log.WithComponent("crunchy"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// DryRun reports whether the API skips every side effect.
func (a *API) DryRun() bool { return a.cfg.DryRun }

// RetentionDays is the configured retention delta.
func (a *API) RetentionDays() int { return a.cfg.RetentionDays }

func (a *API) today() time.Time { return a.now() }

func (a *API) unitLogger(name string) *slog.Logger {
	return a.logger.With(slog.String("unit", name))
}

// CreatePendingFlag marks a unit as having a job in flight. An existing flag
// yields ErrAlreadyPending. In dry-run mode nothing is written.
func (a *API) CreatePendingFlag(path string) error {
	a.logger.Info("creating pending flag", "path", path, "dry_run", a.cfg.DryRun)
	if a.cfg.DryRun {
		return nil
	}
	if err := a.inspector.CreateExclusive(path); err != nil {
		if files.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyPending, path)
		}
		return fmt.Errorf("create pending flag: %w", err)
	}
	return nil
}
