package crunchy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/mattjoyce/crunchy/internal/files"
	"github.com/mattjoyce/crunchy/internal/metadata"
)

// FinalizeDecompression stamps today on the metadata of a unit whose FASTQ
// pair has been restored. It returns true when the document was (or, in
// dry-run mode, would have been) rewritten.
func (a *API) FinalizeDecompression(u files.Unit) (bool, error) {
	logger := a.unitLogger(u.RunName())
	if a.IsPending(u) {
		return false, nil
	}
	if !a.inspector.Exists(u.SpringPath()) {
		logger.Info("no SPRING file found", "path", u.SpringPath())
		return false, nil
	}
	if !a.FastqPairExists(u) {
		logger.Info("FASTQ files not restored yet")
		return false, nil
	}

	doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath())
	if err != nil {
		return false, err
	}
	if d, ok := metadata.LastUnpacked(doc); ok {
		logger.Info("SPRING metadata already updated", "updated", d.String())
		return false, nil
	}

	marked := metadata.MarkUnpacked(doc, a.today())
	if a.cfg.DryRun {
		logger.Info("dry run: would update SPRING metadata", "path", u.MetadataPath())
		return true, nil
	}
	if err := metadata.WriteTo(a.inspector, u.MetadataPath(), marked); err != nil {
		return false, err
	}
	logger.Info("SPRING metadata updated", "path", u.MetadataPath(), "updated", marked.Files[0].Updated.String())
	return true, nil
}

// CleanFastq removes the FASTQ pair of a unit whose archive is done and whose
// metadata names exactly these files. It returns true when the pair was (or,
// in dry-run mode, would have been) removed.
func (a *API) CleanFastq(u files.Unit) (bool, error) {
	logger := a.unitLogger(u.RunName())
	if a.IsPending(u) {
		return false, nil
	}
	if !a.IsCompressionDone(u) {
		return false, nil
	}

	doc, err := metadata.LoadFrom(a.inspector, u.MetadataPath())
	if err != nil {
		return false, err
	}
	archive, err := metadata.ArchiveFiles(doc)
	if err != nil {
		return false, fmt.Errorf("archive files %s: %w", u.MetadataPath(), err)
	}
	pair := a.FastqPair(u)
	if !samePath(archive[metadata.RoleFirstRead].Path, pair[0]) || !samePath(archive[metadata.RoleSecondRead].Path, pair[1]) {
		logger.Warn("SPRING metadata does not match FASTQ paths, not cleaning",
			"first_read", archive[metadata.RoleFirstRead].Path,
			"second_read", archive[metadata.RoleSecondRead].Path)
		return false, nil
	}
	if !files.AnyExists(a.inspector, pair[:]...) {
		logger.Info("FASTQ files already removed")
		return false, nil
	}

	if a.cfg.DryRun {
		logger.Info("dry run: would remove FASTQ files", "first", pair[0], "second", pair[1])
		return true, nil
	}
	for _, p := range pair {
		if err := a.inspector.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove fastq %s: %w", p, err)
		}
		logger.Info("removed FASTQ file", "path", p)
	}
	return true, nil
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
