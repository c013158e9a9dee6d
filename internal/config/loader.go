package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validQOS = map[string]bool{"low": true, "normal": true, "high": true}

// Load reads, interpolates, defaults and validates the config at configPath.
// When a .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveConfigFile returns the absolute path of the config file, looking for
// config.yaml when configPath is a directory.
func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadConfigFile parses a single file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(interpolated))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against the .checksums in its directory. A
// missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: crunchy config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: crunchy config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	c := &cfg.Crunchy
	if c.RetentionDays == 0 {
		c.RetentionDays = defaults.Crunchy.RetentionDays
	}
	if c.Binary == "" {
		c.Binary = defaults.Crunchy.Binary
	}
	if c.Slurm.QOS == "" {
		c.Slurm.QOS = defaults.Crunchy.Slurm.QOS
	}
	if c.Slurm.Sbatch == "" {
		c.Slurm.Sbatch = defaults.Crunchy.Slurm.Sbatch
	}
	if c.Slurm.Tasks == 0 {
		c.Slurm.Tasks = defaults.Crunchy.Slurm.Tasks
	}
	if c.Slurm.MemoryGB == 0 {
		c.Slurm.MemoryGB = defaults.Crunchy.Slurm.MemoryGB
	}
	if c.Slurm.Hours == 0 {
		c.Slurm.Hours = defaults.Crunchy.Slurm.Hours
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = defaults.Ledger.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks value ranges. Missing site settings such as the account are
// reported by the doctor rather than refused here.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	c := cfg.Crunchy
	if c.RetentionDays < 0 {
		return fmt.Errorf("crunchy.retention_days must not be negative")
	}
	if !validQOS[c.Slurm.QOS] {
		return fmt.Errorf("crunchy.slurm.qos must be one of: low, normal, high (got %q)", c.Slurm.QOS)
	}
	if c.Slurm.Tasks < 0 || c.Slurm.MemoryGB < 0 || c.Slurm.Hours < 0 {
		return fmt.Errorf("crunchy.slurm resources must not be negative")
	}
	if c.Slurm.SubmitTimeout < 0 {
		return fmt.Errorf("crunchy.slurm.submit_timeout must not be negative")
	}

	if cfg.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}

	for field, value := range map[string]string{
		"crunchy.conda_env":       c.CondaEnv,
		"crunchy.cram_reference":  c.CRAMReference,
		"crunchy.slurm.account":   c.Slurm.Account,
		"crunchy.slurm.mail_user": c.Slurm.MailUser,
		"ledger.path":             cfg.Ledger.Path,
	} {
		if err := checkUnresolvedEnvVar(field, value); err != nil {
			return err
		}
	}
	return nil
}

func checkUnresolvedEnvVar(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
