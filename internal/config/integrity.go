package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// VerifyIntegrity checks the config file at configPath against the manifest in
// its directory. A missing manifest is a warning; a missing or wrong hash is an
// error.
func VerifyIntegrity(configPath string) (*IntegrityResult, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)
	name := filepath.Base(absPath)
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest found in %s; run 'crunchy config lock' to enable integrity verification", ChecksumFile, dir))
			return result, nil
		}
		return nil, err
	}

	expectedHash, ok := manifest.Hashes[name]
	if !ok {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("file %s not in %s manifest", name, ChecksumFile))
		return result, nil
	}

	actualHash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("failed to hash %s: %v", absPath, err))
		return result, nil
	}
	if actualHash != expectedHash {
		result.Passed = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", absPath, expectedHash, actualHash))
	}
	return result, nil
}
