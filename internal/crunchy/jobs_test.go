package crunchy

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crunchy/internal/crunchy/mocks"
	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/metadata"
	"github.com/mattjoyce/crunchy/internal/slurm"
)

func TestFastqToSpringSubmits(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u := fastqUnit(t)
	in := files.NewMemory(u.FastqFirst(), u.FastqSecond())
	sub := mocks.NewMockSubmitter(ctrl)
	api, _ := newTestAPI(t, testConfig(), in, sub)

	var script string
	sub.EXPECT().
		Submit(gomock.Any(), gomock.Any(), "/proj/ACC1/fastq/logs/HJKL_S1_L001_compress_fastq.sh").
		DoAndReturn(func(_ context.Context, s, _ string) (slurm.JobID, error) {
			script = s
			assert.True(t, in.Exists(u.PendingPath()), "flag must exist before submission")
			return 1234, nil
		})

	got, err := api.FastqToSpring(context.Background(), u, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, slurm.JobID(1234), got.JobID)
	assert.Equal(t, FastqToSpring, got.Direction)
	assert.Equal(t, stub, got.Unit)
	assert.Equal(t, "ACC1_HJKL_S1_L001_fastq_to_spring", got.JobName)
	assert.Equal(t, slurm.ScriptDigest(script), got.ScriptDigest)
	assert.Equal(t, testToday, got.SubmittedAt)

	for _, want := range []string{
		"#SBATCH --job-name=ACC1_HJKL_S1_L001_fastq_to_spring\n",
		"#SBATCH --account=production\n",
		"#SBATCH --ntasks=12\n",
		"#SBATCH --mem=50G\n",
		"#SBATCH --time=24:00:00\n",
		"#SBATCH --mail-user=ops@example.org\n",
		"conda activate S_crunchy\n",
		"crunchy -t 12 --tmp-dir /proj/ACC1/fastq/spring_HJKL_S1_L001_compress compress fastq" +
			" --first /proj/ACC1/fastq/HJKL_S1_L001_R1_001.fastq.gz" +
			" --second /proj/ACC1/fastq/HJKL_S1_L001_R2_001.fastq.gz" +
			" --spring-path /proj/ACC1/fastq/HJKL_S1_L001.spring --metadata-file --check-integrity\n",
		"rm /proj/ACC1/fastq/HJKL_S1_L001.crunchy.pending.txt\n",
		"    rm -f /proj/ACC1/fastq/HJKL_S1_L001.spring\n",
		"    rm -f /proj/ACC1/fastq/HJKL_S1_L001.crunchy.pending.txt\n",
		"    touch /proj/ACC1/fastq/HJKL_S1_L001.crunchy.error.txt\n",
		"trap error ERR\n",
	} {
		assert.Contains(t, script, want)
	}

	// Second attempt sees the flag and never reaches the scheduler.
	_, err = api.FastqToSpring(context.Background(), u, "ACC1")
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestFastqToSpringSubmissionFailureKeepsFlag(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u := fastqUnit(t)
	in := files.NewMemory(u.FastqFirst(), u.FastqSecond())
	sub := mocks.NewMockSubmitter(ctrl)
	api, logs := newTestAPI(t, testConfig(), in, sub)

	sub.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(slurm.JobID(0), &slurm.SubmissionError{ScriptPath: "x", Err: errors.New("exit status 1")})

	_, err := api.FastqToSpring(context.Background(), u, "ACC1")
	require.Error(t, err)
	assert.ErrorIs(t, err, slurm.ErrSubmissionFailed)
	assert.True(t, in.Exists(u.PendingPath()))
	assert.Contains(t, logs.String(), "pending flag kept")
}

func TestInvalidJobLeavesNoFlag(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u := fastqUnit(t)
	in := files.NewMemory(u.FastqFirst(), u.FastqSecond())
	api, _ := newTestAPI(t, testConfig(), in, mocks.NewMockSubmitter(ctrl))

	_, err := api.FastqToSpring(context.Background(), u, "bad sample id")
	require.Error(t, err)
	assert.False(t, in.Exists(u.PendingPath()))
}

func TestSpringToFastqUsesMetadataChecksums(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u := fastqUnit(t)
	in := files.NewMemory(u.SpringPath())
	in.Put(u.MetadataPath(), metadataJSON(stub, ""))
	sub := mocks.NewMockSubmitter(ctrl)
	api, _ := newTestAPI(t, testConfig(), in, sub)

	var script string
	sub.EXPECT().
		Submit(gomock.Any(), gomock.Any(), "/proj/ACC1/fastq/logs/HJKL_S1_L001_decompress_spring.sh").
		DoAndReturn(func(_ context.Context, s, _ string) (slurm.JobID, error) {
			script = s
			return 99, nil
		})

	got, err := api.SpringToFastq(context.Background(), u, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, SpringToFastq, got.Direction)
	assert.Equal(t, slurm.JobID(99), got.JobID)
	assert.Contains(t, script, "decompress spring /proj/ACC1/fastq/HJKL_S1_L001.spring")
	assert.Contains(t, script, "--first-checksum c1 --second-checksum c2\n")
	assert.Contains(t, script, "    rm -f /proj/ACC1/fastq/HJKL_S1_L001_R1_001.fastq.gz /proj/ACC1/fastq/HJKL_S1_L001_R2_001.fastq.gz\n")
	assert.True(t, in.Exists(u.PendingPath()))
}

func TestSpringToFastqRestoresMetadataPaths(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	const s = "/d/sample"
	u, err := files.NewUnit(s + ".spring")
	require.NoError(t, err)
	in := files.NewMemory(u.SpringPath())
	in.Put(u.MetadataPath(), shortNamingMetadata(s))
	sub := mocks.NewMockSubmitter(ctrl)
	api, _ := newTestAPI(t, testConfig(), in, sub)

	var script string
	sub.EXPECT().
		Submit(gomock.Any(), gomock.Any(), "/d/logs/sample_decompress_spring.sh").
		DoAndReturn(func(_ context.Context, sc, _ string) (slurm.JobID, error) {
			script = sc
			return 7, nil
		})

	_, err = api.SpringToFastq(context.Background(), u, "")
	require.NoError(t, err)
	assert.Contains(t, script, "--first /d/sample_R1.fastq.gz --second /d/sample_R2.fastq.gz")
	assert.Contains(t, script, "    rm -f /d/sample_R1.fastq.gz /d/sample_R2.fastq.gz\n")
	assert.NotContains(t, script, "_R1_001")
}

func TestSpringToFastqMalformedMetadata(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u := fastqUnit(t)
	in := files.NewMemory(u.SpringPath())
	in.Put(u.MetadataPath(), []byte(`[]`))
	api, _ := newTestAPI(t, testConfig(), in, mocks.NewMockSubmitter(ctrl))

	_, err := api.SpringToFastq(context.Background(), u, "ACC1")
	require.Error(t, err)
	assert.ErrorIs(t, err, metadata.ErrMalformed)
	assert.False(t, in.Exists(u.PendingPath()))
}

func TestBAMToCRAM(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u, err := files.NewBAMUnit("/proj/ACC1/align/sample.bam")
	require.NoError(t, err)
	in := files.NewMemory(u.BAMPath())
	sub := mocks.NewMockSubmitter(ctrl)
	api, _ := newTestAPI(t, testConfig(), in, sub)

	var script string
	sub.EXPECT().
		Submit(gomock.Any(), gomock.Any(), "/proj/ACC1/align/logs/sample_compress_bam.sh").
		DoAndReturn(func(_ context.Context, s, _ string) (slurm.JobID, error) {
			script = s
			return 7, nil
		})

	got, err := api.BAMToCRAM(context.Background(), u, "")
	require.NoError(t, err)
	assert.Equal(t, "sample_bam_to_cram", got.JobName)
	assert.Contains(t, script, "--bam-path /proj/ACC1/align/sample.bam --cram-path /proj/ACC1/align/sample.cram --reference /refs/grch37.fasta\n")
	assert.Contains(t, script, "touch /proj/ACC1/align/sample.crunchy.txt\n")
	assert.Contains(t, script, "    rm -f /proj/ACC1/align/sample.cram /proj/ACC1/align/sample.crai /proj/ACC1/align/sample.cram.crai\n")
	assert.True(t, in.Exists(u.PendingPath()))
}

func TestBAMToCRAMWithoutReference(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.CRAMReference = ""
	u, err := files.NewBAMUnit("/proj/ACC1/align/sample.bam")
	require.NoError(t, err)
	api, _ := newTestAPI(t, cfg, files.NewMemory(u.BAMPath()), mocks.NewMockSubmitter(ctrl))

	_, err = api.BAMToCRAM(context.Background(), u, "ACC1")
	assert.ErrorContains(t, err, "cram reference")
}

func TestDryRunSubmissionHasNoSideEffects(t *testing.T) {
	u := fastqUnit(t)
	in := files.NewMemory(u.FastqFirst(), u.FastqSecond())
	cfg := testConfig()
	cfg.DryRun = true

	sub := slurm.NewSubmitter(slurm.Options{DryRun: true, Runner: failingRunner{t}})
	api, _ := newTestAPI(t, cfg, in, sub)

	got, err := api.FastqToSpring(context.Background(), u, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, slurm.DryRunJobID, got.JobID)
	assert.True(t, got.DryRun)
	assert.False(t, api.IsPending(u))
	assert.True(t, api.IsCompressionPossible(u))
}

type failingRunner struct{ t *testing.T }

func (r failingRunner) Run(context.Context, string, ...string) ([]byte, []byte, error) {
	r.t.Fatal("scheduler must not be called in dry run")
	return nil, nil, nil
}
