package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/crunchy/internal/log"
)

const (
	// maxStderrBytes caps the amount of scheduler stderr kept in errors and logs.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// DefaultBinary is the scheduler submit command.
	DefaultBinary = "sbatch"
)

// JobID is the identifier the scheduler assigned to a submitted job.
type JobID int

func (id JobID) String() string { return strconv.Itoa(int(id)) }

// DryRunJobID is returned by Submit in dry-run mode. Real job ids are positive.
const DryRunJobID JobID = 0

// ErrSubmissionFailed is the single error kind for scheduler invocation
// failures; a rejected job and an unreachable scheduler are not told apart.
var ErrSubmissionFailed = errors.New("job submission failed")

// SubmissionError carries what the scheduler said about a failed submission.
type SubmissionError struct {
	ScriptPath string
	Stderr     string
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrSubmissionFailed, e.ScriptPath)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSubmissionFailed}
	}
	return []error{ErrSubmissionFailed, e.Err}
}

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/crunchy/internal/slurm Runner

// Runner executes an external command and returns its captured output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec. When ctx is cancelled the process
// gets SIGTERM, then SIGKILL after a grace period.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Options configures a Submitter.
type Options struct {
	// Binary is the submit command, sbatch when empty.
	Binary string
	// Runner defaults to ExecRunner.
	Runner Runner
	// Timeout bounds one scheduler call. Zero means no timeout.
	Timeout time.Duration
	// DryRun skips writing scripts and calling the scheduler.
	DryRun bool
	Logger *slog.Logger
}

// Submitter writes job scripts and hands them to the scheduler.
type Submitter struct {
	binary  string
	runner  Runner
	timeout time.Duration
	dryRun  bool
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter. DryRun is fixed for its lifetime.
func NewSubmitter(opts Options) *Submitter {
	s := &Submitter{
		binary:  opts.Binary,
		runner:  opts.Runner,
		timeout: opts.Timeout,
		dryRun:  opts.DryRun,
		logger:  opts.Logger,
	}
	if s.binary == "" {
		s.binary = DefaultBinary
	}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}
	if s.logger == nil {
		s.logger = log.WithComponent("slurm")
	}
	return s
}

// DryRun reports whether the submitter skips all side effects.
func (s *Submitter) DryRun() bool { return s.dryRun }

// Submit writes script to path and submits it. Failures are not retried.
func (s *Submitter) Submit(ctx context.Context, script, path string) (JobID, error) {
	if s.dryRun {
		s.logger.Info("dry run: skipping sbatch submission", "script_path", path)
		s.logger.Debug("sbatch script", "script", script)
		return DryRunJobID, nil
	}

	if err := writeScript(path, script); err != nil {
		return 0, &SubmissionError{ScriptPath: path, Err: err}
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("submitting sbatch script", "binary", s.binary, "script_path", path)
	stdout, stderr, err := s.runner.Run(runCtx, s.binary, path)
	stderrStr := truncateStderr(string(stderr))
	if len(stdout) > 0 {
		s.logger.Info("sbatch stdout", "stdout", strings.TrimSpace(string(stdout)))
	}
	if stderrStr != "" {
		s.logger.Warn("sbatch stderr", "stderr", strings.TrimSpace(stderrStr))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			s.logger.Error("sbatch exited with non-zero status", "exit_code", exitErr.ExitCode())
		}
		return 0, &SubmissionError{ScriptPath: path, Stderr: stderrStr, Err: err}
	}

	id, err := ParseJobID(string(stdout))
	if err != nil {
		return 0, &SubmissionError{ScriptPath: path, Stderr: stderrStr, Err: err}
	}
	s.logger.Info("sbatch job submitted", "job_id", id.String(), "script_path", path)
	return id, nil
}

func writeScript(path, script string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create script directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return fmt.Errorf("write sbatch script: %w", err)
	}
	return nil
}

var jobIDPattern = regexp.MustCompile(`^(?:Submitted batch job\s+)?(\d+)(?:;\S+)?$`)

// ParseJobID extracts the job id from sbatch output. Both the default
// "Submitted batch job 123" and --parsable "123[;cluster]" forms are accepted.
func ParseJobID(stdout string) (JobID, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := jobIDPattern.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid job id %q", m[1])
		}
		return JobID(n), nil
	}
	return 0, fmt.Errorf("no job id in sbatch output %q", strings.TrimSpace(stdout))
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
