package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crunchy/internal/crunchy"
	"github.com/mattjoyce/crunchy/internal/crunchy/mocks"
	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/ledger"
	"github.com/mattjoyce/crunchy/internal/observability"
	"github.com/mattjoyce/crunchy/internal/slurm"
)

var today = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newAPI(t *testing.T, in files.Inspector, sub crunchy.Submitter, dryRun bool) *crunchy.API {
	t.Helper()
	api, err := crunchy.New(crunchy.Config{
		Account:       "production",
		CondaEnv:      "S_crunchy",
		CRAMReference: "/refs/grch37.fasta",
		DryRun:        dryRun,
	}, in, sub, crunchy.WithClock(func() time.Time { return today }))
	require.NoError(t, err)
	return api
}

func fastqPair(stub string) []string {
	return []string{stub + "_R1_001.fastq.gz", stub + "_R2_001.fastq.gz"}
}

type memRecorder struct {
	entries []ledger.Entry
	err     error
}

func (m *memRecorder) Record(_ context.Context, e ledger.Entry) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.entries = append(m.entries, e)
	return fmt.Sprintf("id-%d", len(m.entries)), nil
}

func TestCompressFastqBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	in := files.NewMemory()
	for _, p := range fastqPair("/p/a") {
		in.Put(p, nil)
	}
	for _, p := range fastqPair("/p/b") {
		in.Put(p, nil)
	}
	in.Put("/p/b.crunchy.pending.txt", nil)
	for _, p := range fastqPair("/p/c") {
		in.Put(p, nil)
	}
	in.Put("/p/c.spring", nil)
	in.Put("/p/d_R1_001.fastq.gz", nil) // second read missing

	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any(), "/p/logs/a_compress_fastq.sh").Return(slurm.JobID(501), nil)

	rec := &memRecorder{}
	metrics, handler, err := observability.NewMetrics()
	require.NoError(t, err)
	r := NewRunner(newAPI(t, in, sub, false), rec, metrics, Options{MaxConversions: DefaultMaxConversions})

	report := r.CompressFastq(context.Background(), []Target{
		{SampleID: "S1", Path: "/p/a_R1_001.fastq.gz"},
		{SampleID: "S2", Path: "/p/b_R1_001.fastq.gz"},
		{SampleID: "S3", Path: "/p/c_R2_001.fastq.gz"},
		{SampleID: "S4", Path: "/p/d_R1_001.fastq.gz"},
		{SampleID: "S5", Path: "/p/e.vcf"},
	})

	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.OK())
	require.Len(t, report.Jobs, 5)
	assert.Equal(t, 501, report.Jobs[0].JobID)
	assert.Equal(t, observability.ReasonPending, report.Jobs[1].Reason)
	assert.Equal(t, observability.ReasonNotPossible, report.Jobs[2].Reason)
	assert.Equal(t, observability.ReasonNotPossible, report.Jobs[3].Reason)
	assert.Contains(t, report.Jobs[4].Error, "unrecognized file suffix")

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "/p/a", rec.entries[0].Unit)
	assert.Equal(t, "S1", rec.entries[0].SampleID)
	assert.Equal(t, "fastq_to_spring", rec.entries[0].Direction)
	assert.NotEmpty(t, rec.entries[0].ScriptDigest)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "crunchy_submissions_total")
}

func TestCompressFastqRespectsLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	in := files.NewMemory()
	var targets []Target
	for i := 0; i < 4; i++ {
		stub := fmt.Sprintf("/p/run%d", i)
		for _, p := range fastqPair(stub) {
			in.Put(p, nil)
		}
		targets = append(targets, Target{Path: stub + "_R1_001.fastq.gz"})
	}

	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(slurm.JobID(9), nil).Times(2)

	r := NewRunner(newAPI(t, in, sub, false), nil, nil, Options{MaxConversions: 2})
	report := r.CompressFastq(context.Background(), targets)

	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, observability.ReasonLimit, report.Jobs[3].Reason)
	assert.True(t, report.OK())
	assert.False(t, in.Exists("/p/run3.crunchy.pending.txt"))
}

func TestSubmissionFailureContinuesBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	in := files.NewMemory()
	for _, stub := range []string{"/p/a", "/p/b"} {
		for _, p := range fastqPair(stub) {
			in.Put(p, nil)
		}
	}

	sub := mocks.NewMockSubmitter(ctrl)
	gomock.InOrder(
		sub.EXPECT().Submit(gomock.Any(), gomock.Any(), "/p/logs/a_compress_fastq.sh").
			Return(slurm.JobID(0), &slurm.SubmissionError{ScriptPath: "/p/logs/a_compress_fastq.sh", Err: errors.New("exit status 1")}),
		sub.EXPECT().Submit(gomock.Any(), gomock.Any(), "/p/logs/b_compress_fastq.sh").Return(slurm.JobID(2), nil),
	)

	rec := &memRecorder{err: errors.New("disk full")}
	r := NewRunner(newAPI(t, in, sub, false), rec, nil, Options{})
	report := r.CompressFastq(context.Background(), []Target{{Path: "/p/a_R1_001.fastq.gz"}, {Path: "/p/b_R1_001.fastq.gz"}})

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Submitted, "ledger errors do not fail a submitted unit")
	assert.Contains(t, report.Jobs[0].Error, "job submission failed")
	assert.True(t, in.Exists("/p/a.crunchy.pending.txt"), "failed submission keeps the flag")
}

func TestDecompressSpringBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	in := files.NewMemory("/p/a.spring", "/p/b.spring")
	in.Put("/p/a.json", []byte(`[
  {"file": "first_read", "path": "/p/a_R1_001.fastq.gz", "checksum": "c1", "updated": null},
  {"file": "second_read", "path": "/p/a_R2_001.fastq.gz", "checksum": "c2", "updated": null},
  {"file": "spring", "path": "/p/a.spring", "checksum": "c3", "updated": null}
]`))
	in.Put("/p/b.json", []byte(`[]`))

	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any(), "/p/logs/a_decompress_spring.sh").Return(slurm.JobID(77), nil)

	r := NewRunner(newAPI(t, in, sub, false), nil, nil, Options{})
	report := r.DecompressSpring(context.Background(), []Target{{Path: "/p/a.spring"}, {Path: "/p/b.spring"}, {Path: "/p/c.spring"}})

	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, 1, report.Failed, "malformed metadata is fatal for the unit")
	assert.Equal(t, 1, report.Skipped)
	assert.Contains(t, report.Jobs[1].Error, "malformed compression metadata")
}

func TestCompressBAMBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	in := files.NewMemory("/p/a.bam", "/p/b.bam", "/p/b.cram", "/p/b.cram.crai", "/p/b.crunchy.txt")
	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any(), "/p/logs/a_compress_bam.sh").Return(slurm.JobID(3), nil)

	r := NewRunner(newAPI(t, in, sub, false), nil, nil, Options{})
	report := r.CompressBAM(context.Background(), []Target{{Path: "/p/a.bam"}, {Path: "/p/b.bam"}, {Path: "/p/c_R1.fastq.gz"}})

	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, observability.ReasonDone, report.Jobs[1].Reason)
	assert.Equal(t, 1, report.Failed)
}

func TestDryRunBatchRecordsNothing(t *testing.T) {
	in := files.NewMemory(fastqPair("/p/a")...)
	sub := slurm.NewSubmitter(slurm.Options{DryRun: true})
	rec := &memRecorder{}

	r := NewRunner(newAPI(t, in, sub, true), rec, nil, Options{})
	report := r.CompressFastq(context.Background(), []Target{{Path: "/p/a_R1_001.fastq.gz"}})

	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, int(slurm.DryRunJobID), report.Jobs[0].JobID)
	assert.Empty(t, rec.entries)
	assert.False(t, in.Exists("/p/a.crunchy.pending.txt"))
}

func TestFinalizeAndCleanBatch(t *testing.T) {
	t.Parallel()

	in := files.NewMemory("/p/a.spring", "/p/a_R1_001.fastq.gz", "/p/a_R2_001.fastq.gz", "/p/b.spring")
	in.Put("/p/a.json", []byte(`[
  {"file": "first_read", "path": "/p/a_R1_001.fastq.gz", "checksum": "c1", "updated": null},
  {"file": "second_read", "path": "/p/a_R2_001.fastq.gz", "checksum": "c2", "updated": null},
  {"file": "spring", "path": "/p/a.spring", "checksum": "c3", "updated": null}
]`))
	r := NewRunner(newAPI(t, in, slurm.NewSubmitter(slurm.Options{}), false), nil, nil, Options{})

	targets := []Target{{Path: "/p/a.spring"}, {Path: "/p/b.spring"}, {Path: "/p/c.txt"}}
	report := r.FinalizeDecompression(context.Background(), targets)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)

	// Freshly unpacked: the pair must be kept until the retention delta passes.
	report = r.CleanFastq(context.Background(), targets[:1])
	assert.Equal(t, 0, report.Updated)
	assert.True(t, in.Exists("/p/a_R1_001.fastq.gz"))
}

func TestRunnerWithSQLiteLedger(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "crunchy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	in := files.NewMemory(fastqPair("/p/a")...)
	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(slurm.JobID(4242), nil)

	r := NewRunner(newAPI(t, in, sub, false), store, nil, Options{})
	report := r.CompressFastq(context.Background(), []Target{{SampleID: "ACC9", Path: "/p/a_R2_001.fastq.gz"}})
	require.Equal(t, 1, report.Submitted)

	latest, err := store.Latest(context.Background(), "/p/a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 4242, latest.JobID)
	assert.Equal(t, "ACC9_a_fastq_to_spring", latest.JobName)
	assert.True(t, latest.SubmittedAt.Equal(today))
}

func TestCancelledContextFailsRemaining(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := files.NewMemory(fastqPair("/p/a")...)
	r := NewRunner(newAPI(t, in, slurm.NewSubmitter(slurm.Options{}), false), nil, nil, Options{})
	report := r.CompressFastq(ctx, []Target{{Path: "/p/a_R1_001.fastq.gz"}})
	assert.Equal(t, 1, report.Failed)
	assert.False(t, in.Exists("/p/a.crunchy.pending.txt"))
}
