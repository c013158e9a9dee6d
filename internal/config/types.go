package config

import "time"

// Config is the root crunchy configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Crunchy CrunchyConfig `yaml:"crunchy"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	API     APIConfig     `yaml:"api"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig contains process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// CrunchyConfig holds the conversion settings.
type CrunchyConfig struct {
	CondaEnv      string      `yaml:"conda_env"`
	CRAMReference string      `yaml:"cram_reference"`
	RetentionDays int         `yaml:"retention_days"`
	Binary        string      `yaml:"binary"`
	Slurm         SlurmConfig `yaml:"slurm"`
}

// SlurmConfig holds the batch scheduler settings.
type SlurmConfig struct {
	Account       string        `yaml:"account"`
	MailUser      string        `yaml:"mail_user"`
	QOS           string        `yaml:"qos"`
	Sbatch        string        `yaml:"sbatch"`
	Tasks         int           `yaml:"tasks"`
	MemoryGB      int           `yaml:"memory_gb"`
	Hours         int           `yaml:"hours"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	Exclude       string        `yaml:"exclude"`
}

// LedgerConfig configures the submission ledger database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the read-only status server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// ChecksumManifest is the content of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult holds the outcome of checking config files against .checksums.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "crunchy",
			LogLevel: "info",
		},
		Crunchy: CrunchyConfig{
			RetentionDays: 21,
			Binary:        "crunchy",
			Slurm: SlurmConfig{
				QOS:      "low",
				Sbatch:   "sbatch",
				Tasks:    12,
				MemoryGB: 50,
				Hours:    24,
			},
		},
		Ledger: LedgerConfig{
			Path: "./data/crunchy.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8089",
		},
	}
}
