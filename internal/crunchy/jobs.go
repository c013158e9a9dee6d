package crunchy

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/metadata"
	"github.com/mattjoyce/crunchy/internal/slurm"
)

// Direction is the kind of conversion a job performs.
type Direction string

const (
	FastqToSpring Direction = "fastq_to_spring"
	SpringToFastq Direction = "spring_to_fastq"
	BAMToCRAM     Direction = "bam_to_cram"
)

// Submission describes one submitted job.
type Submission struct {
	Direction Direction
	SampleID  string
	// Unit is the stub path of the converted unit.
	Unit         string
	JobName      string
	JobID        slurm.JobID
	ScriptPath   string
	ScriptDigest string
	DryRun       bool
	SubmittedAt  time.Time
}

// FastqToSpring flags the unit as pending and submits a job compressing its
// FASTQ pair into a SPRING archive. The job writes the metadata document.
func (a *API) FastqToSpring(ctx context.Context, u files.Unit, sampleID string) (Submission, error) {
	pair := a.FastqPair(u)
	tmpDir := filepath.Join(u.AnalysisDir(), "spring_"+u.RunName()+"_compress")
	spec := a.jobSpec(jobName(sampleID, u.RunName(), FastqToSpring), u.LogDir())
	spec.Commands = []slurm.Command{
		slurm.Cmd("conda", "activate", a.cfg.CondaEnv),
		slurm.Cmd("mkdir", "-p", tmpDir),
		slurm.Cmd(a.cfg.Binary,
			"-t", strconv.Itoa(a.cfg.Tasks),
			"--tmp-dir", tmpDir,
			"compress", "fastq",
			"--first", pair[0],
			"--second", pair[1],
			"--spring-path", u.SpringPath(),
			"--metadata-file",
			"--check-integrity",
		),
		slurm.Cmd("rm", "-rf", tmpDir),
		slurm.Cmd("rm", u.PendingPath()),
	}
	spec.OnError = []slurm.Command{
		slurm.Cmd("log", "Crunchy fastq_to_spring failed for "+u.RunName()),
		slurm.Cmd("rm", "-rf", tmpDir),
		slurm.Cmd("rm", "-f", u.SpringPath()),
		slurm.Cmd("rm", "-f", u.PendingPath()),
		slurm.Cmd("touch", u.ErrorPath()),
	}
	scriptPath := filepath.Join(u.LogDir(), u.RunName()+"_compress_fastq.sh")
	return a.submit(ctx, FastqToSpring, sampleID, u.Stub(), u.PendingPath(), spec, scriptPath)
}

// SpringToFastq flags the unit as pending and submits a job restoring its FASTQ
// pair. The metadata document is loaded strictly first; ErrMalformed is fatal
// for the unit and leaves no pending flag behind. A unit built from a SPRING
// path restores to the paths its metadata records.
func (a *API) SpringToFastq(ctx context.Context, u files.Unit, sampleID string) (Submission, error) {
	doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath())
	if err != nil {
		return Submission{}, err
	}
	archive, err := metadata.ArchiveFiles(doc)
	if err != nil {
		return Submission{}, fmt.Errorf("archive files %s: %w", u.MetadataPath(), err)
	}

	first, second := u.FastqFirst(), u.FastqSecond()
	if u.Kind() == files.KindSpring {
		pair := archivePair(archive)
		first, second = pair[0], pair[1]
	}

	tmpDir := filepath.Join(u.AnalysisDir(), "spring_"+u.RunName()+"_decompress")
	spec := a.jobSpec(jobName(sampleID, u.RunName(), SpringToFastq), u.LogDir())
	spec.Commands = []slurm.Command{
		slurm.Cmd("conda", "activate", a.cfg.CondaEnv),
		slurm.Cmd("mkdir", "-p", tmpDir),
		slurm.Cmd(a.cfg.Binary,
			"-t", strconv.Itoa(a.cfg.Tasks),
			"--tmp-dir", tmpDir,
			"decompress", "spring", u.SpringPath(),
			"--first", first,
			"--second", second,
			"--first-checksum", archive[metadata.RoleFirstRead].Checksum,
			"--second-checksum", archive[metadata.RoleSecondRead].Checksum,
		),
		slurm.Cmd("rm", "-rf", tmpDir),
		slurm.Cmd("rm", u.PendingPath()),
	}
	spec.OnError = []slurm.Command{
		slurm.Cmd("log", "Crunchy spring_to_fastq failed for "+u.RunName()),
		slurm.Cmd("rm", "-rf", tmpDir),
		slurm.Cmd("rm", "-f", first, second),
		slurm.Cmd("rm", "-f", u.PendingPath()),
		slurm.Cmd("touch", u.ErrorPath()),
	}
	scriptPath := filepath.Join(u.LogDir(), u.RunName()+"_decompress_spring.sh")
	return a.submit(ctx, SpringToFastq, sampleID, u.Stub(), u.PendingPath(), spec, scriptPath)
}

// BAMToCRAM flags the unit as pending and submits a CRAM conversion. The job
// writes the finished flag on success.
func (a *API) BAMToCRAM(ctx context.Context, u files.BAMUnit, sampleID string) (Submission, error) {
	if strings.TrimSpace(a.cfg.CRAMReference) == "" {
		return Submission{}, fmt.Errorf("cram reference is not configured")
	}
	spec := a.jobSpec(jobName(sampleID, u.RunName(), BAMToCRAM), u.LogDir())
	spec.Commands = []slurm.Command{
		slurm.Cmd("conda", "activate", a.cfg.CondaEnv),
		slurm.Cmd(a.cfg.Binary,
			"-t", strconv.Itoa(a.cfg.Tasks),
			"compress", "bam",
			"--bam-path", u.BAMPath(),
			"--cram-path", u.CRAMPath(),
			"--reference", a.cfg.CRAMReference,
		),
		slurm.Cmd("touch", u.FlagPath()),
		slurm.Cmd("rm", u.PendingPath()),
	}
	cleanup := append([]string{"rm", "-f", u.CRAMPath()}, u.CRAMIndexPaths()...)
	spec.OnError = []slurm.Command{
		slurm.Cmd("log", "Crunchy bam_to_cram failed for "+u.RunName()),
		slurm.Cmd(cleanup...),
		slurm.Cmd("rm", "-f", u.PendingPath()),
	}
	scriptPath := filepath.Join(u.LogDir(), u.RunName()+"_compress_bam.sh")
	return a.submit(ctx, BAMToCRAM, sampleID, u.Stub(), u.PendingPath(), spec, scriptPath)
}

func jobName(sampleID, runName string, d Direction) string {
	parts := make([]string, 0, 3)
	if sampleID != "" {
		parts = append(parts, sampleID)
	}
	return strings.Join(append(parts, runName, string(d)), "_")
}

func (a *API) jobSpec(name, logDir string) slurm.JobSpec {
	return slurm.JobSpec{
		JobName:  name,
		Account:  a.cfg.Account,
		Tasks:    a.cfg.Tasks,
		MemoryGB: a.cfg.MemoryGB,
		Hours:    a.cfg.Hours,
		QOS:      a.cfg.QOS,
		LogDir:   logDir,
		Email:    a.cfg.MailUser,
		Exclude:  a.cfg.Exclude,
	}
}

// submit renders before touching the pending flag so an invalid job never
// leaves a unit stuck. A failed submission keeps the flag.
func (a *API) submit(ctx context.Context, d Direction, sampleID, unit, pendingPath string, spec slurm.JobSpec, scriptPath string) (Submission, error) {
	script, err := slurm.Render(spec)
	if err != nil {
		return Submission{}, fmt.Errorf("build %s script: %w", d, err)
	}
	if err := a.CreatePendingFlag(pendingPath); err != nil {
		return Submission{}, err
	}

	logger := a.unitLogger(filepath.Base(unit)).With("direction", string(d))
	id, err := a.submitter.Submit(ctx, script, scriptPath)
	if err != nil {
		logger.Error("job submission failed, pending flag kept", "pending_path", pendingPath, "error", err)
		return Submission{}, fmt.Errorf("submit %s: %w", d, err)
	}
	logger.Info("conversion running", "job_id", id.String(), "dry_run", a.cfg.DryRun)

	return Submission{
		Direction:    d,
		SampleID:     sampleID,
		Unit:         unit,
		JobName:      spec.JobName,
		JobID:        id,
		ScriptPath:   scriptPath,
		ScriptDigest: slurm.ScriptDigest(script),
		DryRun:       a.cfg.DryRun,
		SubmittedAt:  a.now().UTC(),
	}, nil
}
