package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "compress":
		return runCompressNoun(args)
	case "decompress":
		return runDecompressNoun(args)
	case "clean":
		return runCleanNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- VERBS ---
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: crunchy version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("crunchy %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`crunchy - FASTQ/SPRING and BAM/CRAM compression on a Slurm cluster

Usage:
  crunchy <noun> <action> [flags] <paths...>

Conversion Commands:
  compress fastq       Submit FASTQ to SPRING compression jobs
  compress bam         Submit BAM to CRAM compression jobs
  decompress spring    Submit SPRING to FASTQ decompression jobs
  decompress finalize  Stamp the unpack date on restored units
  clean fastq          Remove FASTQ files already archived in SPRING

Inspection Commands:
  status               Show the derived state of units
  history              List recorded submissions
  serve                Run the read-only status API

Config Commands:
  config check         Validate settings and integrity
  config lock          Write the .checksums manifest

General:
  version              Show version information
  help                 Show this help message

Use 'crunchy <noun> help' for action-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printCompressNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crunchy compress <action> [flags] <paths...>")
	fmt.Fprintln(w, "Actions: fastq, bam")
}

func printDecompressNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crunchy decompress <action> [flags] <paths...>")
	fmt.Fprintln(w, "Actions: spring, finalize")
}

func printCleanNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crunchy clean <action> [flags] <paths...>")
	fmt.Fprintln(w, "Actions: fastq")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crunchy config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printBatchHelp(name string, submits bool) {
	fmt.Printf("Usage: crunchy %s [flags] <paths...>\n", name)
	fmt.Println("Flags:")
	fmt.Println("  --config PATH        Configuration file")
	fmt.Println("  --dry-run            Log what would happen, touch nothing")
	fmt.Println("  --targets FILE       YAML file listing {sample_id, path} targets")
	fmt.Println("  --sample ID          Sample id for positional paths")
	fmt.Println("  --json               Print the report as JSON")
	fmt.Println("  --metrics-file PATH  Write Prometheus metrics for the textfile collector")
	if submits {
		fmt.Println("  -n N                 Maximum submissions this run (0 = unlimited)")
		fmt.Println("  --ntasks N           Override crunchy.slurm.tasks")
		fmt.Println("  --mem GB             Override crunchy.slurm.memory_gb")
	}
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  No unit failed")
	fmt.Println("  1  One or more units failed, or the run could not start")
}

func printStatusHelp() {
	fmt.Println("Usage: crunchy status [--config PATH] [--json] <paths...>")
	fmt.Println("Show the state derived from the files of each unit.")
}

func printHistoryHelp() {
	fmt.Println("Usage: crunchy history [--config PATH] [--unit STUB] [--direction D] [--limit N] [--json]")
	fmt.Println("List submissions recorded in the ledger, newest first.")
}

func printServeHelp() {
	fmt.Println("Usage: crunchy serve [--config PATH] [--listen ADDR]")
	fmt.Println("Serve /healthz, /v1/units/status, /v1/submissions and /metrics.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: crunchy config check [--config PATH] [--json]")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Invalid")
	fmt.Println("  2  Valid with warnings")
}

func printConfigLockHelp() {
	fmt.Println("Usage: crunchy config lock [--config PATH] [--dry-run]")
	fmt.Println("Record the BLAKE3 hash of the config file in .checksums.")
}
