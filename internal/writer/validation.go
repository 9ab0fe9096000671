package writer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidArchive is returned for archive names that are not a plain
// checkpoint_<stamp>.jsonl file name.
var ErrInvalidArchive = errors.New("invalid archive name")

const archivePrefix, archiveExt = "checkpoint_", ".jsonl"

// ValidateArchiveName checks a name taken from the command line. Only names
// ArchivePath produces for the checkpoint log are accepted, so the result can
// never leave the archive directory.
func ValidateArchiveName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q is not a bare file name", ErrInvalidArchive, name)
	}

	stamp, ok := strings.CutPrefix(name, archivePrefix)
	if ok {
		stamp, ok = strings.CutSuffix(stamp, archiveExt)
	}
	if !ok {
		return fmt.Errorf("%w: want %s<stamp>%s, got %q", ErrInvalidArchive, archivePrefix, archiveExt, name)
	}
	if _, err := time.Parse(archiveStampLayout, stamp); err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidArchive, stamp)
	}
	return nil
}

// ResolveArchive returns the path of an archived checkpoint log under layout
func (l *Layout) ResolveArchive(name string) (string, error) {
	if err := ValidateArchiveName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.ArchiveDir(), name), nil
}
