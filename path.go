// This file resolves slash-separated paths to directory entries.

package fat32

import (
	"errors"
	"io"
	"strings"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrNotFound indicates a path segment with no matching entry.
	ErrNotFound = errors.New("path not found")

	// ErrNotADirectory indicates a non-terminal path segment that matched a
	// file.
	ErrNotADirectory = errors.New("not a directory")

	// ErrIsADirectory indicates a directory where a file was required.
	ErrIsADirectory = errors.New("is a directory")
)

// rootDirectoryEntry returns the synthetic entry that stands in for the
// root, which has no record of its own on disk.
func (v *Fat32Volume) rootDirectoryEntry() *DirectoryEntry {
	return &DirectoryEntry{
		Attributes:   AttrDirectory,
		FirstCluster: v.geometry.RootCluster,
	}
}

// ResolvePath resolves a slash-separated path to its directory entry. The
// empty path (or "/") resolves to the synthetic root entry. Matching is
// case-insensitive against both the long and the 8.3 name. Resolution is
// stateless; every call re-walks from the root.
func (v *Fat32Volume) ResolvePath(path string) (entry *DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	segments := make([]string, 0)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	entry, err = v.ResolvePathSegments(segments)
	log.PanicIf(err)

	return entry, nil
}

// ResolvePathSegments resolves pre-split path segments. An empty slice
// resolves to the synthetic root entry.
func (v *Fat32Volume) ResolvePathSegments(segments []string) (entry *DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entry = v.rootDirectoryEntry()

	for _, segment := range segments {
		if entry.IsDirectory() != true {
			log.Panic(ErrNotADirectory)
		}

		entry, err = v.findInDirectory(entry.FirstCluster, segment)
		log.PanicIf(err)
	}

	return entry, nil
}

func (v *Fat32Volume) findInDirectory(startingClusterNumber uint32, name string) (entry *DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dc, err := NewDirectoryCursor(v, startingClusterNumber, v.strict)
	log.PanicIf(err)

	for {
		candidate, err := dc.Next()
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		if strings.EqualFold(candidate.LongName, name) == true && candidate.LongName != "" {
			return candidate, nil
		}

		if strings.EqualFold(candidate.ShortName, name) == true {
			return candidate, nil
		}
	}

	log.Panic(ErrNotFound)
	return nil, nil
}
