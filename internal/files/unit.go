// Package files derives the canonical paths of a compression unit from a single
// base path and inspects their presence on disk.
//
// A unit is never stored. Everything except the stub is a pure function of the
// path it was built from, so two processes inspecting the same unit always agree
// on which flag, metadata and archive files belong to it.
package files

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// PendingSuffix marks an in-flight conversion job for a unit.
	PendingSuffix = ".crunchy.pending.txt"
	// FlagSuffix marks a finished BAM to CRAM conversion.
	FlagSuffix = ".crunchy.txt"
	// ErrorSuffix is written by failed SPRING jobs.
	ErrorSuffix = ".crunchy.error.txt"

	SpringSuffix   = ".spring"
	MetadataSuffix = ".json"
	BAMSuffix      = ".bam"
	CRAMSuffix     = ".cram"
	BAISuffix      = ".bai"
	CRAISuffix     = ".crai"
)

// Kind is the recognized type of a base path.
type Kind int

const (
	KindUnknown Kind = iota
	KindFastqFirst
	KindFastqSecond
	KindSpring
	KindBAM
	KindCRAM
)

func (k Kind) String() string {
	switch k {
	case KindFastqFirst:
		return "fastq_first"
	case KindFastqSecond:
		return "fastq_second"
	case KindSpring:
		return "spring"
	case KindBAM:
		return "bam"
	case KindCRAM:
		return "cram"
	default:
		return "unknown"
	}
}

// FastqNaming is one of the read-pair naming conventions seen on disk.
type FastqNaming struct {
	First  string
	Second string
}

var (
	// IlluminaNaming is the demultiplexer default, e.g. sample_R1_001.fastq.gz.
	IlluminaNaming = FastqNaming{First: "_R1_001.fastq.gz", Second: "_R2_001.fastq.gz"}
	// ShortNaming drops the lane chunk, e.g. sample_R1.fastq.gz.
	ShortNaming = FastqNaming{First: "_R1.fastq.gz", Second: "_R2.fastq.gz"}

	// FastqNamings lists every known convention, the default first.
	FastqNamings = []FastqNaming{IlluminaNaming, ShortNaming}
)

var (
	// ErrUnrecognizedSuffix is returned when a path matches none of the known types.
	ErrUnrecognizedSuffix = errors.New("unrecognized file suffix")
	// ErrWrongFamily is returned when a recognized path belongs to the other
	// unit family, e.g. a BAM handed to NewUnit.
	ErrWrongFamily = errors.New("file kind not valid for this unit")
)

// ClassificationError reports the path that could not be classified.
type ClassificationError struct {
	Path string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %q: %s", e.Path, ErrUnrecognizedSuffix)
}

func (e *ClassificationError) Unwrap() error {
	return ErrUnrecognizedSuffix
}

type suffixRule struct {
	suffix string
	kind   Kind
	naming FastqNaming
}

// Longest suffixes first so _R1_001.fastq.gz never matches as something shorter.
var suffixRules = []suffixRule{
	{suffix: IlluminaNaming.First, kind: KindFastqFirst, naming: IlluminaNaming},
	{suffix: IlluminaNaming.Second, kind: KindFastqSecond, naming: IlluminaNaming},
	{suffix: ShortNaming.First, kind: KindFastqFirst, naming: ShortNaming},
	{suffix: ShortNaming.Second, kind: KindFastqSecond, naming: ShortNaming},
	{suffix: SpringSuffix, kind: KindSpring, naming: IlluminaNaming},
	{suffix: BAMSuffix, kind: KindBAM},
	{suffix: CRAMSuffix, kind: KindCRAM},
}

func match(path string) (string, suffixRule, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	base := filepath.Base(clean)
	for _, rule := range suffixRules {
		if strings.HasSuffix(base, rule.suffix) && len(base) > len(rule.suffix) {
			return strings.TrimSuffix(clean, rule.suffix), rule, nil
		}
	}
	return "", suffixRule{}, &ClassificationError{Path: path}
}

// Classify returns the kind of path. Unknown suffixes are an error, never guessed.
func Classify(path string) (Kind, error) {
	_, rule, err := match(path)
	if err != nil {
		return KindUnknown, err
	}
	return rule.kind, nil
}

// Unit is a FASTQ pair and its SPRING archive.
type Unit struct {
	stub   string
	kind   Kind
	naming FastqNaming
}

// NewUnit builds a SPRING-family unit from a FASTQ or SPRING path.
func NewUnit(path string) (Unit, error) {
	stub, rule, err := match(path)
	if err != nil {
		return Unit{}, err
	}
	switch rule.kind {
	case KindFastqFirst, KindFastqSecond, KindSpring:
	default:
		return Unit{}, fmt.Errorf("%w: %q is a %s file, not a FASTQ or SPRING file", ErrWrongFamily, path, rule.kind)
	}
	return Unit{stub: stub, kind: rule.kind, naming: rule.naming}, nil
}

func (u Unit) Stub() string          { return u.stub }
func (u Unit) Kind() Kind            { return u.kind }
func (u Unit) Naming() FastqNaming   { return u.naming }
func (u Unit) RunName() string       { return filepath.Base(u.stub) }
func (u Unit) AnalysisDir() string   { return filepath.Dir(u.stub) }
func (u Unit) FastqFirst() string    { return u.stub + u.naming.First }
func (u Unit) FastqSecond() string   { return u.stub + u.naming.Second }
func (u Unit) SpringPath() string    { return u.stub + SpringSuffix }
func (u Unit) MetadataPath() string  { return u.stub + MetadataSuffix }
func (u Unit) PendingPath() string   { return u.stub + PendingSuffix }
func (u Unit) ErrorPath() string     { return u.stub + ErrorSuffix }
func (u Unit) IsZero() bool          { return u.stub == "" }
func (u Unit) String() string        { return u.RunName() }
func (u Unit) FastqPaths() [2]string { return u.PairWith(u.naming) }
func (u Unit) LogDir() string        { return filepath.Join(u.AnalysisDir(), "logs") }

// PairWith returns the FASTQ pair of the unit under naming n. A unit built
// from a SPRING path does not know its naming; callers resolve it from the
// metadata or by probing each convention.
func (u Unit) PairWith(n FastqNaming) [2]string {
	return [2]string{u.stub + n.First, u.stub + n.Second}
}

// BAMUnit is a BAM file and its CRAM conversion target.
type BAMUnit struct {
	stub string
	kind Kind
}

// NewBAMUnit builds a BAM-family unit from a BAM or CRAM path.
func NewBAMUnit(path string) (BAMUnit, error) {
	stub, rule, err := match(path)
	if err != nil {
		return BAMUnit{}, err
	}
	if rule.kind != KindBAM && rule.kind != KindCRAM {
		return BAMUnit{}, fmt.Errorf("%w: %q is a %s file, not a BAM or CRAM file", ErrWrongFamily, path, rule.kind)
	}
	return BAMUnit{stub: stub, kind: rule.kind}, nil
}

func (u BAMUnit) Stub() string        { return u.stub }
func (u BAMUnit) Kind() Kind          { return u.kind }
func (u BAMUnit) RunName() string     { return filepath.Base(u.stub) }
func (u BAMUnit) AnalysisDir() string { return filepath.Dir(u.stub) }
func (u BAMUnit) BAMPath() string     { return u.stub + BAMSuffix }
func (u BAMUnit) CRAMPath() string    { return u.stub + CRAMSuffix }
func (u BAMUnit) PendingPath() string { return u.stub + PendingSuffix }
func (u BAMUnit) FlagPath() string    { return u.stub + FlagSuffix }
func (u BAMUnit) LogDir() string      { return filepath.Join(u.AnalysisDir(), "logs") }
func (u BAMUnit) String() string      { return u.RunName() }

// BAMIndexPaths lists sample.bai and sample.bam.bai. Older tooling wrote both.
func (u BAMUnit) BAMIndexPaths() []string {
	return []string{u.stub + BAISuffix, u.BAMPath() + BAISuffix}
}

// CRAMIndexPaths lists sample.crai and sample.cram.crai.
func (u BAMUnit) CRAMIndexPaths() []string {
	return []string{u.stub + CRAISuffix, u.CRAMPath() + CRAISuffix}
}
