// This file streams file contents over a cluster chain.

package fat32

import (
	"errors"
	"io"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrShortRead indicates that a file's cluster chain ended before the
	// size its directory entry declares. The inconsistency is surfaced, not
	// silently truncated.
	ErrShortRead = errors.New("cluster chain shorter than file")
)

// FileStream is a forward-only io.Reader over a file's cluster chain,
// bounded by the size recorded in its directory entry. It owns one sector
// window; skipped byte ranges (Discard) advance the chain without reading
// the skipped data sectors.
type FileStream struct {
	volume *Fat32Volume
	chain  *ClusterChain

	size     uint64
	position uint64

	currentCluster uint32
	clusterOrdinal int64

	sector       []byte
	sectorIndex  uint32
	sectorLoaded bool
}

// NewFileStream returns a stream over the given chain and declared size.
// Empty files carry cluster zero in their directory entry; a zero size
// yields an immediately exhausted stream.
func NewFileStream(volume *Fat32Volume, startCluster uint32, size uint64) (fs *FileStream, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs = &FileStream{
		volume:         volume,
		size:           size,
		clusterOrdinal: -1,
		sector:         make([]byte, SectorSize),
	}

	if size > 0 {
		fs.chain, err = NewClusterChain(volume, startCluster)
		log.PanicIf(err)
	}

	return fs, nil
}

// Size returns the declared file size.
func (fs *FileStream) Size() uint64 {
	return fs.size
}

// Position returns the current stream position.
func (fs *FileStream) Position() uint64 {
	return fs.position
}

// Read fills the caller's buffer from the current position, advancing
// sector and cluster as needed. Fewer bytes than requested are returned
// only at end-of-file.
func (fs *FileStream) Read(p []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if fs.position >= fs.size {
		return 0, io.EOF
	}

	geometry := fs.volume.Geometry()
	clusterSize := uint64(geometry.ClusterSize())

	for n < len(p) && fs.position < fs.size {
		err = fs.seekCluster(int64(fs.position / clusterSize))
		log.PanicIf(err)

		offsetInCluster := uint32(fs.position % clusterSize)
		sectorIndex := offsetInCluster / SectorSize

		if fs.sectorLoaded != true || fs.sectorIndex != sectorIndex {
			absoluteSector := geometry.FirstSectorOfCluster(fs.currentCluster) + sectorIndex

			err = fs.volume.readSector(absoluteSector, fs.sector)
			log.PanicIf(err)

			fs.sectorIndex = sectorIndex
			fs.sectorLoaded = true
		}

		offsetInSector := fs.position % SectorSize

		available := uint64(SectorSize) - offsetInSector
		if remaining := fs.size - fs.position; available > remaining {
			available = remaining
		}

		if wanted := uint64(len(p) - n); available > wanted {
			available = wanted
		}

		copy(p[n:], fs.sector[offsetInSector:offsetInSector+available])

		fs.position += available
		n += int(available)

		if fs.position%uint64(SectorSize) == 0 {
			fs.sectorLoaded = false
		}
		if fs.position%clusterSize == 0 {
			// Force the next iteration onto the next cluster.
			fs.sectorLoaded = false
		}
	}

	return n, nil
}

// seekCluster advances the chain until the cluster holding the given
// ordinal is current. The chain ending early is a directory-entry/FAT
// inconsistency.
func (fs *FileStream) seekCluster(ordinal int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for fs.clusterOrdinal < ordinal {
		clusterNumber, err := fs.chain.Next()
		if err == io.EOF {
			log.Panic(ErrShortRead)
		}

		log.PanicIf(err)

		fs.currentCluster = clusterNumber
		fs.clusterOrdinal++
		fs.sectorLoaded = false
	}

	return nil
}

// Discard advances the position by up to n bytes without delivering them.
// Whole skipped clusters are passed over via the FAT alone; their data
// sectors are never read. Returns the count actually discarded, which is
// short only at end-of-file.
func (fs *FileStream) Discard(n uint64) (discarded uint64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	discarded = n
	if remaining := fs.size - fs.position; discarded > remaining {
		discarded = remaining
	}

	fs.position += discarded
	fs.sectorLoaded = false

	return discarded, nil
}

// WriteTo streams the remainder of the file to the given writer in
// sector-sized chunks.
func (fs *FileStream) WriteTo(w io.Writer) (written int64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buffer := make([]byte, SectorSize)

	for {
		n, err := fs.Read(buffer)
		if n > 0 {
			writtenNow, err := w.Write(buffer[:n])
			log.PanicIf(err)

			if writtenNow != n {
				log.Panicf("short write while streaming file: (%d) != (%d)", writtenNow, n)
			}

			written += int64(n)
		}

		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		if n == 0 {
			break
		}
	}

	return written, nil
}

// OpenFile returns a stream over the file the given entry describes.
func (v *Fat32Volume) OpenFile(entry *DirectoryEntry) (fs *FileStream, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if entry.IsDirectory() == true {
		log.Panic(ErrIsADirectory)
	}

	fs, err = NewFileStream(v, entry.FirstCluster, uint64(entry.Size))
	log.PanicIf(err)

	return fs, nil
}
