package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSharedFilesystem is returned for a ledger path on a network or cluster
// filesystem, where SQLite file locking cannot be trusted.
var ErrSharedFilesystem = errors.New("ledger path is on a shared filesystem")

// sharedFilesystems names the filesystem types the ledger refuses. Analysis
// directories usually live on the cluster filesystems; the ledger must not.
var sharedFilesystems = map[string]struct{}{
	"afpfs":  {},
	"afs":    {},
	"beegfs": {},
	"ceph":   {},
	"cifs":   {},
	"gpfs":   {},
	"lustre": {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// fsTypeFunc names the filesystem type holding an existing path.
type fsTypeFunc func(path string) (string, error)

// CheckLocalFilesystem reports ErrSharedFilesystem when path, or its nearest
// existing parent, lives on a network or cluster filesystem.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

func checkLocalFilesystem(path string, fsType fsTypeFunc) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("ledger path is empty")
	}

	existing, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve ledger path %q: %w", path, err)
	}
	name, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isSharedFilesystem(name) {
		return fmt.Errorf("%w: %q is on %s; set ledger.path to a local disk", ErrSharedFilesystem, path, name)
	}
	return nil
}

// nearestExisting walks up from path until it finds something on disk. The
// ledger directory is created lazily, so its parent decides the filesystem.
func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isSharedFilesystem(name string) bool {
	_, ok := sharedFilesystems[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
