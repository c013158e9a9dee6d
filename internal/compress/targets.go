package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target is one unit to act on, named by any of its base paths.
type Target struct {
	SampleID string `yaml:"sample_id" json:"sample_id,omitempty"`
	Path     string `yaml:"path" json:"path"`
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads a YAML file of the form
//
//	targets:
//	  - sample_id: ACC1
//	    path: /proj/ACC1/fastq/run_R1_001.fastq.gz
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes a targets document. Unknown keys are rejected.
func ParseTargets(data []byte) ([]Target, error) {
	var tf targetsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}
	for i, t := range tf.Targets {
		if strings.TrimSpace(t.Path) == "" {
			return nil, fmt.Errorf("targets[%d]: path is required", i)
		}
	}
	return tf.Targets, nil
}

// TargetsFromPaths wraps bare paths, all sharing sampleID.
func TargetsFromPaths(sampleID string, paths []string) []Target {
	out := make([]Target, 0, len(paths))
	for _, p := range paths {
		out = append(out, Target{SampleID: sampleID, Path: p})
	}
	return out
}
