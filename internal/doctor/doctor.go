// Package doctor validates a crunchy configuration against the host it runs on.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/crunchy/internal/config"
	"github.com/mattjoyce/crunchy/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	checkFS  func(string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		checkFS:  storage.CheckLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSlurm(r)
	d.validateCrunchy(r)
	d.validateLedger(r)
	d.validateAPI(r)
	d.warnMissingSbatch(r)
	d.warnMissingReference(r)
	d.checkIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateSlurm checks the settings every submitted job needs.
func (d *Doctor) validateSlurm(r *Result) {
	s := d.cfg.Crunchy.Slurm
	if strings.TrimSpace(s.Account) == "" {
		d.addError(r, "slurm", "crunchy.slurm.account", "slurm account is required")
	}
	if strings.TrimSpace(s.MailUser) == "" {
		d.addError(r, "slurm", "crunchy.slurm.mail_user", "mail user is required for failure notifications")
	}
	if s.Tasks <= 0 || s.MemoryGB <= 0 || s.Hours <= 0 {
		d.addError(r, "slurm", "crunchy.slurm", "tasks, memory_gb and hours must be positive")
	}
}

func (d *Doctor) validateCrunchy(r *Result) {
	c := d.cfg.Crunchy
	if strings.TrimSpace(c.CondaEnv) == "" {
		d.addError(r, "crunchy", "crunchy.conda_env", "conda environment is required")
	}
	if c.RetentionDays <= 0 {
		d.addError(r, "crunchy", "crunchy.retention_days", "retention_days must be positive")
	}
}

// validateLedger refuses ledger paths on network filesystems.
func (d *Doctor) validateLedger(r *Result) {
	path := d.cfg.Ledger.Path
	if path == "" {
		d.addError(r, "ledger", "ledger.path", "ledger.path is required")
		return
	}
	if err := d.checkFS(path); err != nil {
		d.addError(r, "ledger", "ledger.path", err.Error())
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required")
		return
	}
	if !strings.HasPrefix(d.cfg.API.Listen, "127.0.0.1:") && !strings.HasPrefix(d.cfg.API.Listen, "localhost:") {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("status API listens on %s; it has no authentication", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnMissingSbatch(r *Result) {
	bin := d.cfg.Crunchy.Slurm.Sbatch
	if bin == "" {
		return
	}
	if _, err := d.lookPath(bin); err != nil {
		d.addWarning(r, "slurm", "crunchy.slurm.sbatch",
			fmt.Sprintf("%q not found on PATH; only --dry-run will work on this host", bin))
	}
}

func (d *Doctor) warnMissingReference(r *Result) {
	ref := d.cfg.Crunchy.CRAMReference
	if ref == "" {
		d.addWarning(r, "crunchy", "crunchy.cram_reference", "no CRAM reference configured; BAM compression is unavailable")
		return
	}
	if _, err := d.stat(ref); err != nil {
		d.addWarning(r, "crunchy", "crunchy.cram_reference",
			fmt.Sprintf("CRAM reference %s is not readable: %v", ref, err))
	}
}

// checkIntegrity compares the source file to its .checksums manifest.
func (d *Doctor) checkIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	res, err := config.VerifyIntegrity(d.cfg.SourcePath)
	if err != nil {
		d.addError(r, "integrity", "", err.Error())
		return
	}
	for _, e := range res.Errors {
		d.addError(r, "integrity", "", e)
	}
	for _, w := range res.Warnings {
		d.addWarning(r, "integrity", "", w)
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
