// This file adapts a mounted volume to a read-only afero.Fs.

package fat32

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

var (
	// ErrWriteUnsupported is returned for every mutating operation on the
	// afero adapter.
	ErrWriteUnsupported = errors.New("filesystem is read-only")
)

// AferoFs exposes a mounted volume through the afero.Fs interface so it
// composes with that ecosystem. All mutating operations fail.
type AferoFs struct {
	volume *Fat32Volume
}

// NewAferoFs returns an afero.Fs over the given volume.
func NewAferoFs(volume *Fat32Volume) afero.Fs {
	return &AferoFs{
		volume: volume,
	}
}

// Name returns the adapter's name.
func (afs *AferoFs) Name() string {
	return "fat32"
}

// Open opens the named file or directory for reading.
func (afs *AferoFs) Open(name string) (file afero.File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entry, err := afs.volume.ResolvePath(name)
	log.PanicIf(err)

	file = &aferoFile{
		volume: afs.volume,
		path:   name,
		entry:  entry,
	}

	return file, nil
}

// OpenFile opens the named file; any writing flag fails.
func (afs *AferoFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, ErrWriteUnsupported
	}

	return afs.Open(name)
}

// Stat returns the FileInfo for the named path.
func (afs *AferoFs) Stat(name string) (fi os.FileInfo, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entry, err := afs.volume.ResolvePath(name)
	log.PanicIf(err)

	return entry.FileInfo(), nil
}

// Create fails; the filesystem is read-only.
func (afs *AferoFs) Create(name string) (afero.File, error) {
	return nil, ErrWriteUnsupported
}

// Mkdir fails; the filesystem is read-only.
func (afs *AferoFs) Mkdir(name string, perm os.FileMode) error {
	return ErrWriteUnsupported
}

// MkdirAll fails; the filesystem is read-only.
func (afs *AferoFs) MkdirAll(path string, perm os.FileMode) error {
	return ErrWriteUnsupported
}

// Remove fails; the filesystem is read-only.
func (afs *AferoFs) Remove(name string) error {
	return ErrWriteUnsupported
}

// RemoveAll fails; the filesystem is read-only.
func (afs *AferoFs) RemoveAll(path string) error {
	return ErrWriteUnsupported
}

// Rename fails; the filesystem is read-only.
func (afs *AferoFs) Rename(oldname, newname string) error {
	return ErrWriteUnsupported
}

// Chmod fails; the filesystem is read-only.
func (afs *AferoFs) Chmod(name string, mode os.FileMode) error {
	return ErrWriteUnsupported
}

// Chown fails; the filesystem is read-only.
func (afs *AferoFs) Chown(name string, uid, gid int) error {
	return ErrWriteUnsupported
}

// Chtimes fails; the filesystem is read-only.
func (afs *AferoFs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return ErrWriteUnsupported
}

// aferoFile adapts one resolved entry to afero.File. Reads go through a
// FileStream; a backward seek rebuilds the stream and discards forward,
// since the underlying chain is forward-only.
type aferoFile struct {
	volume *Fat32Volume
	path   string
	entry  *DirectoryEntry

	stream *FileStream
	offset int64
	closed bool
}

func (af *aferoFile) ensureStream() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if af.stream != nil {
		return nil
	}

	stream, err := af.volume.OpenFile(af.entry)
	log.PanicIf(err)

	if af.offset > 0 {
		_, err = stream.Discard(uint64(af.offset))
		log.PanicIf(err)
	}

	af.stream = stream

	return nil
}

// Name returns the path the file was opened with.
func (af *aferoFile) Name() string {
	return af.path
}

// Close releases the file. The volume holds no per-file resources.
func (af *aferoFile) Close() error {
	af.stream = nil
	af.closed = true

	return nil
}

// Read fills p from the current offset.
func (af *aferoFile) Read(p []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if af.closed == true {
		return 0, os.ErrClosed
	}

	err = af.ensureStream()
	log.PanicIf(err)

	n, err = af.stream.Read(p)
	af.offset += int64(n)

	if err == io.EOF {
		return n, io.EOF
	}

	log.PanicIf(err)

	return n, nil
}

// ReadAt reads at the given offset without moving the file offset. Each
// call walks a fresh stream.
func (af *aferoFile) ReadAt(p []byte, off int64) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if af.closed == true {
		return 0, os.ErrClosed
	}

	if off >= int64(af.entry.Size) {
		return 0, io.EOF
	}

	stream, err := af.volume.OpenFile(af.entry)
	log.PanicIf(err)

	_, err = stream.Discard(uint64(off))
	log.PanicIf(err)

	for n < len(p) {
		read, err := stream.Read(p[n:])
		n += read

		if err == io.EOF {
			return n, io.EOF
		}

		log.PanicIf(err)
	}

	return n, nil
}

// Seek moves the file offset. Seeking backward rebuilds the stream.
func (af *aferoFile) Seek(offset int64, whence int) (position int64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if af.closed == true {
		return 0, os.ErrClosed
	}

	switch whence {
	case io.SeekStart:
		position = offset
	case io.SeekCurrent:
		position = af.offset + offset
	case io.SeekEnd:
		position = int64(af.entry.Size) + offset
	default:
		log.Panicf("invalid whence: (%d)", whence)
	}

	if position < 0 {
		return 0, afero.ErrOutOfRange
	}

	if position < af.offset {
		af.stream = nil
	} else if af.stream != nil && position > af.offset {
		_, err = af.stream.Discard(uint64(position - af.offset))
		log.PanicIf(err)
	}

	af.offset = position

	return position, nil
}

// Readdir returns FileInfos for entries of the directory, up to count when
// it is positive.
func (af *aferoFile) Readdir(count int) (infos []os.FileInfo, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if af.entry.IsDirectory() != true {
		log.Panic(ErrNotADirectory)
	}

	infos = make([]os.FileInfo, 0)

	cb := func(entry *DirectoryEntry) (doContinue bool, err error) {
		if entry.Name() == "." || entry.Name() == ".." {
			return true, nil
		}

		infos = append(infos, entry.FileInfo())

		if count > 0 && len(infos) >= count {
			return false, nil
		}

		return true, nil
	}

	err = af.volume.EnumerateDirectoryEntries(af.entry.FirstCluster, cb)
	log.PanicIf(err)

	return infos, nil
}

// Readdirnames returns the names of the directory's entries.
func (af *aferoFile) Readdirnames(count int) (names []string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	infos, err := af.Readdir(count)
	log.PanicIf(err)

	names = make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}

	return names, nil
}

// Stat returns the entry's FileInfo.
func (af *aferoFile) Stat() (os.FileInfo, error) {
	return af.entry.FileInfo(), nil
}

// Sync is a no-op on a read-only filesystem.
func (af *aferoFile) Sync() error {
	return nil
}

// Write fails; the filesystem is read-only.
func (af *aferoFile) Write(p []byte) (int, error) {
	return 0, ErrWriteUnsupported
}

// WriteAt fails; the filesystem is read-only.
func (af *aferoFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrWriteUnsupported
}

// WriteString fails; the filesystem is read-only.
func (af *aferoFile) WriteString(s string) (int, error) {
	return 0, ErrWriteUnsupported
}

// Truncate fails; the filesystem is read-only.
func (af *aferoFile) Truncate(size int64) error {
	return ErrWriteUnsupported
}
