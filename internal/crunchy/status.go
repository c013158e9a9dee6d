package crunchy

import (
	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/metadata"
)

// IsPending reports whether a job is in flight for the unit.
func (a *API) IsPending(u files.Unit) bool {
	if a.inspector.Exists(u.PendingPath()) {
		a.unitLogger(u.RunName()).Info("compression/decompression is pending")
		return true
	}
	return false
}

// IsCompressionPossible is true when no job is pending and no SPRING archive
// exists. An archive blocks recompression whatever its metadata says.
func (a *API) IsCompressionPossible(u files.Unit) bool {
	logger := a.unitLogger(u.RunName())
	if a.IsPending(u) {
		return false
	}
	if a.inspector.Exists(u.SpringPath()) {
		logger.Info("SPRING file found", "path", u.SpringPath())
		return false
	}
	logger.Info("FASTQ compression is possible")
	return true
}

// IsDecompressionPossible is true when no job is pending, the archive exists
// and the FASTQ pair does not.
func (a *API) IsDecompressionPossible(u files.Unit) bool {
	logger := a.unitLogger(u.RunName())
	if a.IsPending(u) {
		return false
	}
	if !a.inspector.Exists(u.SpringPath()) {
		logger.Info("no SPRING file found", "path", u.SpringPath())
		return false
	}
	if a.FastqPairExists(u) {
		logger.Info("FASTQ files already exist")
		return false
	}
	logger.Info("decompression is possible")
	return true
}

// IsCompressionDone is true when the archive and a valid metadata document
// exist, and the archive was either never unpacked or unpacked at least the
// retention delta ago. Malformed metadata is reported as not done.
func (a *API) IsCompressionDone(u files.Unit) bool {
	logger := a.unitLogger(u.RunName())
	if !a.inspector.Exists(u.SpringPath()) {
		logger.Info("no SPRING file", "path", u.SpringPath())
		return false
	}
	if !a.inspector.Exists(u.MetadataPath()) {
		logger.Info("no SPRING metadata file", "path", u.MetadataPath())
		return false
	}
	doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath())
	if err != nil {
		logger.Warn("SPRING metadata not usable", "path", u.MetadataPath(), "error", err)
		return false
	}
	unpacked, ok := metadata.LastUnpacked(doc)
	if !ok {
		logger.Info("FASTQ compression is done")
		return true
	}
	logger.Info("files were unpacked", "updated", unpacked.String())
	if !IsEligibleForRecompression(unpacked.Time, a.today(), a.cfg.RetentionDays) {
		logger.Info("FASTQ files are not old enough", "retention_days", a.cfg.RetentionDays)
		return false
	}
	logger.Info("FASTQ compression is done")
	return true
}

// IsDecompressionDone is true when every file named by the metadata exists and
// every record carries an unpack date.
func (a *API) IsDecompressionDone(u files.Unit) bool {
	logger := a.unitLogger(u.RunName())
	if !a.inspector.Exists(u.MetadataPath()) {
		logger.Info("no SPRING metadata file", "path", u.MetadataPath())
		return false
	}
	doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath())
	if err != nil {
		logger.Warn("SPRING metadata not usable", "path", u.MetadataPath(), "error", err)
		return false
	}
	for _, r := range doc.Files {
		if !a.inspector.Exists(r.Path) {
			logger.Info("file does not exist", "path", r.Path)
			return false
		}
		if !r.Unpacked() {
			logger.Info("files have not been unarchived")
			return false
		}
	}
	logger.Info("SPRING decompression is done")
	return true
}

// IsCRAMCompressionPossible is true when no job is pending, the BAM exists and
// no CRAM has been written.
func (a *API) IsCRAMCompressionPossible(u files.BAMUnit) bool {
	logger := a.unitLogger(u.RunName())
	if a.inspector.Exists(u.PendingPath()) {
		logger.Info("compression is pending")
		return false
	}
	if a.inspector.Exists(u.CRAMPath()) {
		logger.Info("CRAM file already exists", "path", u.CRAMPath())
		return false
	}
	if !a.inspector.Exists(u.BAMPath()) {
		logger.Info("no BAM file found", "path", u.BAMPath())
		return false
	}
	logger.Info("CRAM compression is possible")
	return true
}

// IsCRAMCompressionDone is true when the CRAM, one of its index files and the
// finished flag exist.
func (a *API) IsCRAMCompressionDone(u files.BAMUnit) bool {
	logger := a.unitLogger(u.RunName())
	if !a.inspector.Exists(u.CRAMPath()) {
		logger.Info("no CRAM file found", "path", u.CRAMPath())
		return false
	}
	if !files.IndexExists(a.inspector, u.CRAMIndexPaths()) {
		logger.Info("no CRAM index found")
		return false
	}
	if !a.inspector.Exists(u.FlagPath()) {
		logger.Info("no crunchy flag found", "path", u.FlagPath())
		return false
	}
	logger.Info("CRAM compression is done")
	return true
}

// Phase names the derived lifecycle state of a unit.
type Phase string

const (
	PhaseNoArchive Phase = "no_archive"
	PhasePending   Phase = "pending"
	PhaseArchived  Phase = "archived"
	PhaseUnpacked  Phase = "unpacked"
)

// State is a point-in-time snapshot of a unit.
type State struct {
	Unit                  string `json:"unit"`
	Phase                 Phase  `json:"phase"`
	Pending               bool   `json:"pending"`
	Failed                bool   `json:"failed"`
	SpringExists          bool   `json:"spring_exists"`
	FastqExists           bool   `json:"fastq_exists"`
	MetadataExists        bool   `json:"metadata_exists"`
	MetadataError         string `json:"metadata_error,omitempty"`
	LastUnpacked          string `json:"last_unpacked,omitempty"`
	CompressionPossible   bool   `json:"compression_possible"`
	DecompressionPossible bool   `json:"decompression_possible"`
	CompressionDone       bool   `json:"compression_done"`
	DecompressionDone     bool   `json:"decompression_done"`
}

// State derives the snapshot of u from the files present now.
func (a *API) State(u files.Unit) State {
	s := State{
		Unit:           u.Stub(),
		Pending:        a.inspector.Exists(u.PendingPath()),
		Failed:         a.inspector.Exists(u.ErrorPath()),
		SpringExists:   a.inspector.Exists(u.SpringPath()),
		FastqExists:    a.FastqPairExists(u),
		MetadataExists: a.inspector.Exists(u.MetadataPath()),
	}
	if s.MetadataExists {
		doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath())
		if err != nil {
			s.MetadataError = err.Error()
		} else if d, ok := metadata.LastUnpacked(doc); ok {
			s.LastUnpacked = d.String()
		}
	}
	s.CompressionPossible = a.IsCompressionPossible(u)
	s.DecompressionPossible = a.IsDecompressionPossible(u)
	s.CompressionDone = a.IsCompressionDone(u)
	s.DecompressionDone = a.IsDecompressionDone(u)

	switch {
	case s.Pending:
		s.Phase = PhasePending
	case !s.SpringExists:
		s.Phase = PhaseNoArchive
	case s.LastUnpacked != "":
		s.Phase = PhaseUnpacked
	default:
		s.Phase = PhaseArchived
	}
	return s
}

// StateOf builds the unit for path and returns its snapshot.
func (a *API) StateOf(path string) (State, error) {
	u, err := files.NewUnit(path)
	if err != nil {
		return State{}, err
	}
	return a.State(u), nil
}

// FastqPairExists reports whether both reads of the pair are on disk.
func (a *API) FastqPairExists(u files.Unit) bool {
	pair := a.FastqPair(u)
	return files.AllExist(a.inspector, pair[:]...)
}

// FastqPair returns the FASTQ paths belonging to u. A unit built from a FASTQ
// path already knows them. A unit built from a SPRING path takes them from
// its metadata, or else from the first naming convention with a file on
// disk, or else the default convention.
func (a *API) FastqPair(u files.Unit) [2]string {
	if u.Kind() != files.KindSpring {
		return u.FastqPaths()
	}
	if a.inspector.Exists(u.MetadataPath()) {
		if doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath()); err == nil {
			if archive, err := metadata.ArchiveFiles(doc); err == nil {
				return archivePair(archive)
			}
		}
	}
	for _, n := range files.FastqNamings {
		pair := u.PairWith(n)
		if files.AnyExists(a.inspector, pair[:]...) {
			return pair
		}
	}
	return u.FastqPaths()
}

func archivePair(archive map[metadata.Role]metadata.Record) [2]string {
	return [2]string{archive[metadata.RoleFirstRead].Path, archive[metadata.RoleSecondRead].Path}
}
