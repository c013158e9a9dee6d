// Package compress drives the conversion state machine over a batch of units.
// A failing unit never stops the batch; the outcome of every unit ends up in
// the Report.
package compress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/crunchy/internal/crunchy"
	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/ledger"
	"github.com/mattjoyce/crunchy/internal/log"
	"github.com/mattjoyce/crunchy/internal/observability"
)

// DefaultMaxConversions caps the submissions of one run.
const DefaultMaxConversions = 5

// Outcome is what happened to one unit.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result is the outcome for one target.
type Result struct {
	Target
	Operation string  `json:"operation"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
	JobID     int     `json:"job_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Report aggregates a batch.
type Report struct {
	Submitted int      `json:"submitted"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Jobs      []Result `json:"jobs"`
}

// OK reports whether no unit failed.
func (r Report) OK() bool { return r.Failed == 0 }

func (r *Report) add(res Result) {
	switch res.Outcome {
	case OutcomeSubmitted:
		r.Submitted++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
	r.Jobs = append(r.Jobs, res)
}

// Recorder stores submissions. *ledger.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) (string, error)
}

// Options configures a Runner.
type Options struct {
	// MaxConversions caps submissions per batch. Zero means unlimited.
	MaxConversions int
}

// Runner applies one operation to every target of a batch.
type Runner struct {
	api     *crunchy.API
	ledger  Recorder
	metrics *observability.Metrics
	opts    Options
	logger  *slog.Logger
}

// NewRunner creates a Runner. ledger and metrics may be nil.
func NewRunner(api *crunchy.API, rec Recorder, metrics *observability.Metrics, opts Options) *Runner {
	return &Runner{
		api:     api,
		ledger:  rec,
		metrics: metrics,
		opts:    opts,
		logger:  log.WithComponent("compress"),
	}
}

type submitFunc func(ctx context.Context, t Target) (crunchy.Submission, bool, string, error)

// CompressFastq submits FASTQ to SPRING jobs for every target whose unit can
// be compressed.
func (r *Runner) CompressFastq(ctx context.Context, targets []Target) Report {
	return r.runSubmissions(ctx, string(crunchy.FastqToSpring), targets, func(ctx context.Context, t Target) (crunchy.Submission, bool, string, error) {
		u, err := files.NewUnit(t.Path)
		if err != nil {
			return crunchy.Submission{}, false, "", err
		}
		if r.api.IsPending(u) {
			return crunchy.Submission{}, false, observability.ReasonPending, nil
		}
		if !r.api.FastqPairExists(u) || !r.api.IsCompressionPossible(u) {
			return crunchy.Submission{}, false, observability.ReasonNotPossible, nil
		}
		sub, err := r.api.FastqToSpring(ctx, u, t.SampleID)
		return sub, err == nil, "", err
	})
}

// DecompressSpring submits SPRING to FASTQ jobs for every target whose archive
// can be decompressed.
func (r *Runner) DecompressSpring(ctx context.Context, targets []Target) Report {
	return r.runSubmissions(ctx, string(crunchy.SpringToFastq), targets, func(ctx context.Context, t Target) (crunchy.Submission, bool, string, error) {
		u, err := files.NewUnit(t.Path)
		if err != nil {
			return crunchy.Submission{}, false, "", err
		}
		if r.api.IsPending(u) {
			return crunchy.Submission{}, false, observability.ReasonPending, nil
		}
		if !r.api.IsDecompressionPossible(u) {
			return crunchy.Submission{}, false, observability.ReasonNotPossible, nil
		}
		sub, err := r.api.SpringToFastq(ctx, u, t.SampleID)
		return sub, err == nil, "", err
	})
}

// CompressBAM submits BAM to CRAM jobs.
func (r *Runner) CompressBAM(ctx context.Context, targets []Target) Report {
	return r.runSubmissions(ctx, string(crunchy.BAMToCRAM), targets, func(ctx context.Context, t Target) (crunchy.Submission, bool, string, error) {
		u, err := files.NewBAMUnit(t.Path)
		if err != nil {
			return crunchy.Submission{}, false, "", err
		}
		if !r.api.IsCRAMCompressionPossible(u) {
			reason := observability.ReasonNotPossible
			if r.api.IsCRAMCompressionDone(u) {
				reason = observability.ReasonDone
			}
			return crunchy.Submission{}, false, reason, nil
		}
		sub, err := r.api.BAMToCRAM(ctx, u, t.SampleID)
		return sub, err == nil, "", err
	})
}

func (r *Runner) runSubmissions(ctx context.Context, op string, targets []Target, fn submitFunc) Report {
	var report Report
	logger := r.logger.With("operation", op)

	for _, t := range targets {
		res := Result{Target: t, Operation: op}

		if err := ctx.Err(); err != nil {
			res.Outcome, res.Error = OutcomeFailed, err.Error()
			report.add(res)
			continue
		}
		if r.opts.MaxConversions > 0 && report.Submitted >= r.opts.MaxConversions {
			res.Outcome, res.Reason = OutcomeSkipped, observability.ReasonLimit
			r.metrics.RecordSkip(ctx, op, res.Reason)
			report.add(res)
			continue
		}

		start := time.Now()
		sub, ok, reason, err := fn(ctx, t)
		switch {
		case errors.Is(err, crunchy.ErrAlreadyPending):
			res.Outcome, res.Reason = OutcomeSkipped, observability.ReasonPending
			r.metrics.RecordSkip(ctx, op, res.Reason)
		case err != nil:
			res.Outcome, res.Error = OutcomeFailed, err.Error()
			r.metrics.RecordFailure(ctx, op)
			logger.Error("unit failed", "path", t.Path, "sample_id", t.SampleID, "error", err)
		case !ok:
			res.Outcome, res.Reason = OutcomeSkipped, reason
			r.metrics.RecordSkip(ctx, op, reason)
		default:
			res.Outcome, res.JobID = OutcomeSubmitted, int(sub.JobID)
			r.metrics.RecordSubmission(ctx, op, sub.DryRun, time.Since(start).Seconds())
			r.record(ctx, sub)
		}
		report.add(res)
	}

	logger.Info("batch finished",
		"submitted", report.Submitted,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"max_conversions", r.opts.MaxConversions)
	return report
}

func (r *Runner) record(ctx context.Context, sub crunchy.Submission) {
	if r.ledger == nil || sub.DryRun {
		return
	}
	_, err := r.ledger.Record(ctx, ledger.Entry{
		SampleID:     sub.SampleID,
		Unit:         sub.Unit,
		Direction:    string(sub.Direction),
		JobID:        int(sub.JobID),
		JobName:      sub.JobName,
		ScriptPath:   sub.ScriptPath,
		ScriptDigest: sub.ScriptDigest,
		SubmittedAt:  sub.SubmittedAt,
	})
	if err != nil {
		// The job is already with the scheduler; the unit did not fail.
		r.logger.Warn("failed to record submission", "unit", sub.Unit, "job_id", sub.JobID.String(), "error", err)
	}
}

type updateFunc func(u files.Unit) (bool, error)

// FinalizeDecompression stamps the metadata of every restored unit.
func (r *Runner) FinalizeDecompression(ctx context.Context, targets []Target) Report {
	return r.runUpdates(ctx, "finalize_decompression", targets, r.api.FinalizeDecompression)
}

// CleanFastq removes the FASTQ pair of every stably archived unit.
func (r *Runner) CleanFastq(ctx context.Context, targets []Target) Report {
	return r.runUpdates(ctx, "clean_fastq", targets, r.api.CleanFastq)
}

func (r *Runner) runUpdates(ctx context.Context, op string, targets []Target, fn updateFunc) Report {
	var report Report
	logger := r.logger.With("operation", op)

	for _, t := range targets {
		res := Result{Target: t, Operation: op}
		if err := ctx.Err(); err != nil {
			res.Outcome, res.Error = OutcomeFailed, err.Error()
			report.add(res)
			continue
		}

		u, err := files.NewUnit(t.Path)
		if err != nil {
			res.Outcome, res.Error = OutcomeFailed, err.Error()
			r.metrics.RecordFailure(ctx, op)
			report.add(res)
			continue
		}
		changed, err := fn(u)
		switch {
		case err != nil:
			res.Outcome, res.Error = OutcomeFailed, err.Error()
			r.metrics.RecordFailure(ctx, op)
			logger.Error("unit failed", "path", t.Path, "error", err)
		case changed:
			res.Outcome = OutcomeUpdated
		default:
			res.Outcome, res.Reason = OutcomeSkipped, observability.ReasonNotPossible
			r.metrics.RecordSkip(ctx, op, res.Reason)
		}
		report.add(res)
	}

	logger.Info("batch finished",
		"updated", report.Updated,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report
}
