package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/crunchy/internal/lock"
	"github.com/mattjoyce/crunchy/internal/log"
)

func TestMain(m *testing.M) {
	log.SetupWriter(io.Discard, "error")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	outCh := make(chan []byte)
	errCh := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-outCh
	stderrBytes := <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeTestConfig writes a config whose scheduler binary exists and whose
// ledger lives in the test directory.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	ref := filepath.Join(dir, "grch37.fasta")
	writeFile(t, ref, ">chr1\nACGT\n")

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`service:
  log_level: error
crunchy:
  conda_env: S_crunchy
  cram_reference: %s
  slurm:
    account: production
    mail_user: ops@example.org
    sbatch: /bin/sh
ledger:
  path: %s
`, ref, filepath.Join(dir, "data", "crunchy.db")))
	return cfgPath, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2024-06-01T10:00:00+02:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version != "1.2.3" || info.Commit != "0123456789ab" || info.BuildTime != "2024-06-01T08:00:00Z" {
		t.Errorf("info = %+v", info)
	}
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "version", "extra")
	if code != 1 || !strings.Contains(stderr, "Usage: crunchy version") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"compress", "decompress", "clean", "config"} {
		code, stdout, _ := runCLIForTest(t, noun, "help")
		if code != 0 || !strings.Contains(stdout, "Usage: crunchy "+noun) {
			t.Errorf("%s help: code = %d, stdout = %q", noun, code, stdout)
		}
		code, _, _ = runCLIForTest(t, noun)
		if code != 1 {
			t.Errorf("%s without action: code = %d, want 1", noun, code)
		}
	}
}

func TestBatchRequiresTargets(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	code, _, stderr := runCLIForTest(t, "compress", "fastq", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "<paths...>") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestConfigLockThenCheck(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	code, stdout, stderr := runCLIForTest(t, "config", "lock", "--config", cfgPath)
	if code != 0 {
		t.Fatalf("lock exit = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "Wrote ") {
		t.Errorf("lock stdout = %q", stdout)
	}

	code, stdout, stderr = runCLIForTest(t, "config", "check", "--config", cfgPath, "--json")
	if code != 0 {
		t.Fatalf("check exit = %d, stdout = %q, stderr = %q", code, stdout, stderr)
	}
	if !strings.Contains(stdout, `"valid": true`) {
		t.Errorf("check stdout = %q", stdout)
	}

	// Tampering after lock makes the config unloadable.
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("api:\n  listen: 127.0.0.1:9999\n")
	_ = f.Close()

	code, _, stderr = runCLIForTest(t, "config", "check", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("check after tamper: code = %d, stderr = %q", code, stderr)
	}
}

func TestConfigCheckWarnsWithoutManifest(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	code, stdout, _ := runCLIForTest(t, "config", "check", "--config", cfgPath)
	if code != 2 {
		t.Fatalf("exit = %d, want 2 (warnings); stdout = %q", code, stdout)
	}
	if !strings.Contains(stdout, "WARN  [integrity]") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestConfigLockDryRun(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)

	code, stdout, _ := runCLIForTest(t, "config", "lock", "--config", cfgPath, "--dry-run")
	if code != 0 || !strings.Contains(stdout, "Dry run") {
		t.Fatalf("code = %d, stdout = %q", code, stdout)
	}
	if exists(filepath.Join(dir, ".checksums")) {
		t.Fatal(".checksums written in dry run")
	}
}

func TestCompressFastqDryRun(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	stub := filepath.Join(dir, "ACC1", "fastq", "HJKL_S1_L001")
	writeFile(t, stub+"_R1_001.fastq.gz", "r1")
	writeFile(t, stub+"_R2_001.fastq.gz", "r2")
	metricsPath := filepath.Join(dir, "crunchy.prom")

	code, stdout, stderr := runCLIForTest(t, "compress", "fastq",
		"--config", cfgPath, "--dry-run", "--json", "--sample", "ACC1",
		"--metrics-file", metricsPath, stub+"_R1_001.fastq.gz")
	if code != 0 {
		t.Fatalf("exit = %d, stdout = %q, stderr = %q", code, stdout, stderr)
	}

	var report struct {
		Submitted int `json:"submitted"`
		Failed    int `json:"failed"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, stdout)
	}
	if report.Submitted != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if exists(stub + ".crunchy.pending.txt") {
		t.Error("dry run left a pending flag")
	}
	if exists(filepath.Join(dir, "ACC1", "fastq", "logs")) {
		t.Error("dry run wrote a job script")
	}

	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), "crunchy_submissions_total") {
		t.Errorf("metrics = %s", data)
	}
}

func TestCompressFastqUnknownSuffixFails(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)

	code, stdout, _ := runCLIForTest(t, "compress", "fastq", "--config", cfgPath, "--dry-run",
		filepath.Join(dir, "notes.txt"))
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stdout, "failed=1") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestDecompressFinalizeStampsMetadata(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	stub := filepath.Join(dir, "ACC1", "fastq", "HJKL_S1_L001")
	writeFile(t, stub+"_R1_001.fastq.gz", "r1")
	writeFile(t, stub+"_R2_001.fastq.gz", "r2")
	writeFile(t, stub+".spring", "spring")
	writeFile(t, stub+".json", fmt.Sprintf(`[
  {"file": "first_read", "path": "%[1]s_R1_001.fastq.gz", "checksum": "c1", "updated": null},
  {"file": "second_read", "path": "%[1]s_R2_001.fastq.gz", "checksum": "c2", "updated": null},
  {"file": "spring", "path": "%[1]s.spring", "checksum": "c3", "updated": null}
]`, stub))

	code, stdout, stderr := runCLIForTest(t, "decompress", "finalize", "--config", cfgPath, stub+".spring")
	if code != 0 {
		t.Fatalf("exit = %d, stdout = %q, stderr = %q", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "updated=1") {
		t.Errorf("stdout = %q", stdout)
	}

	data, err := os.ReadFile(stub + ".json")
	if err != nil {
		t.Fatal(err)
	}
	today := time.Now().Format("2006-01-02")
	if strings.Count(string(data), today) != 3 {
		t.Errorf("metadata not stamped with %s:\n%s", today, data)
	}
}

func TestStatusJSON(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	stub := filepath.Join(dir, "ACC1", "fastq", "HJKL_S1_L001")
	writeFile(t, stub+"_R1_001.fastq.gz", "r1")
	writeFile(t, stub+"_R2_001.fastq.gz", "r2")

	code, stdout, stderr := runCLIForTest(t, "status", "--config", cfgPath, "--json", stub+"_R2_001.fastq.gz")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, stderr)
	}
	var states []map[string]any
	if err := json.Unmarshal([]byte(stdout), &states); err != nil {
		t.Fatalf("status is not JSON: %v\n%s", err, stdout)
	}
	if len(states) != 1 {
		t.Fatalf("states = %v", states)
	}
	if states[0]["unit"] != stub || states[0]["phase"] != "no_archive" || states[0]["compression_possible"] != true {
		t.Errorf("state = %v", states[0])
	}
}

func TestHistoryEmptyLedger(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	code, stdout, stderr := runCLIForTest(t, "history", "--config", cfgPath)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "No submissions recorded.") {
		t.Errorf("stdout = %q", stdout)
	}

	code, stdout, _ = runCLIForTest(t, "history", "--config", cfgPath, "--json")
	if code != 0 || strings.TrimSpace(stdout) != "[]" {
		t.Errorf("json history: code = %d, stdout = %q", code, stdout)
	}
}

func TestBatchRefusesWhileLocked(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	held, err := lock.Acquire(filepath.Join(dir, "data", "crunchy.lock"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = held.Release() })

	code, _, stderr := runCLIForTest(t, "clean", "fastq", "--config", cfgPath,
		filepath.Join(dir, "ACC1", "fastq", "HJKL_S1_L001_R1_001.fastq.gz"))
	if code != 1 || !strings.Contains(stderr, "run lock held") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}
