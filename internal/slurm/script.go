package slurm

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/zeebo/blake3"
)

// QOS is the quality-of-service class a job is submitted with.
type QOS string

const (
	QOSLow    QOS = "low"
	QOSNormal QOS = "normal"
	QOSHigh   QOS = "high"
)

// Command is a single shell command given as argv. Every argument is quoted
// when the script is rendered.
type Command struct {
	Args []string
}

// Cmd builds a Command from its arguments.
func Cmd(args ...string) Command {
	return Command{Args: args}
}

func (c Command) String() string {
	quoted := make([]string, len(c.Args))
	for i, a := range c.Args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// JobSpec describes one batch job.
type JobSpec struct {
	JobName  string
	Account  string
	Tasks    int
	MemoryGB int
	Hours    int
	Minutes  int
	QOS      QOS
	LogDir   string
	Email    string
	Exclude  string
	Commands []Command
	// OnError runs from the ERR trap before the script exits non-zero.
	OnError []Command
}

// StdoutPath is where the scheduler writes the job's stdout.
func (s JobSpec) StdoutPath() string {
	return strings.TrimRight(s.LogDir, "/") + "/" + s.JobName + ".stdout"
}

// StderrPath is where the scheduler writes the job's stderr.
func (s JobSpec) StderrPath() string {
	return strings.TrimRight(s.LogDir, "/") + "/" + s.JobName + ".stderr"
}

// #SBATCH lines are not parsed by the shell, so directive values cannot be
// quoted; they are restricted instead.
var directiveValue = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func (s JobSpec) validate() error {
	required := []struct {
		field string
		value string
	}{
		{"job_name", s.JobName},
		{"account", s.Account},
		{"log_dir", s.LogDir},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.field)
		}
	}

	directives := map[string]string{
		"job_name": s.JobName,
		"account":  s.Account,
		"log_dir":  s.LogDir,
		"email":    s.Email,
		"exclude":  s.Exclude,
		"qos":      string(s.QOS),
	}
	for field, value := range directives {
		if value != "" && !directiveValue.MatchString(value) {
			return fmt.Errorf("%s %q contains characters not allowed in an sbatch directive", field, value)
		}
	}

	if s.Tasks <= 0 {
		return fmt.Errorf("tasks must be positive")
	}
	if s.MemoryGB <= 0 {
		return fmt.Errorf("memory must be positive")
	}
	if s.Hours < 0 || s.Minutes < 0 || s.Minutes > 59 || s.Hours*60+s.Minutes == 0 {
		return fmt.Errorf("time limit %d:%02d is invalid", s.Hours, s.Minutes)
	}
	if len(s.Commands) == 0 {
		return fmt.Errorf("job has no commands")
	}
	for i, c := range s.Commands {
		if len(c.Args) == 0 {
			return fmt.Errorf("commands[%d] is empty", i)
		}
	}
	for i, c := range s.OnError {
		if len(c.Args) == 0 {
			return fmt.Errorf("on_error[%d] is empty", i)
		}
	}
	return nil
}

const headerTemplate = `#! /bin/bash -l
#SBATCH --job-name={{.JobName}}
#SBATCH --account={{.Account}}
#SBATCH --ntasks={{.Tasks}}
#SBATCH --mem={{.MemoryGB}}G
#SBATCH --error={{.StderrPath}}
#SBATCH --output={{.StdoutPath}}
#SBATCH --mail-type=FAIL
{{- if .Email}}
#SBATCH --mail-user={{.Email}}
{{- end}}
#SBATCH --time={{.Hours}}:{{printf "%02d" .Minutes}}:00
#SBATCH --qos={{.QOS}}
{{- if .Exclude}}
#SBATCH --exclude={{.Exclude}}
{{- end}}

set -eu -o pipefail

log() {
    NOW=$(date +"%Y%m%d-%H%M%S")
    echo "[$NOW] $*"
}

log "Running on: $(hostname)"
`

const bodyTemplate = `{{if .OnError}}
error() {
{{- range .OnError}}
    {{.}}
{{- end}}
    exit 1
}

trap error ERR
{{end}}
{{range .Commands}}{{.}}
{{end}}`

var scriptTemplate = template.Must(template.New("sbatch").Parse(headerTemplate + bodyTemplate))

// Render assembles the sbatch script for spec. Output is deterministic.
func Render(spec JobSpec) (string, error) {
	if spec.QOS == "" {
		spec.QOS = QOSLow
	}
	if err := spec.validate(); err != nil {
		return "", fmt.Errorf("invalid job spec: %w", err)
	}
	var b strings.Builder
	if err := scriptTemplate.Execute(&b, spec); err != nil {
		return "", fmt.Errorf("render sbatch script: %w", err)
	}
	return b.String(), nil
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ScriptDigest is the BLAKE3 hex digest of a rendered script.
func ScriptDigest(script string) string {
	sum := blake3.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}
