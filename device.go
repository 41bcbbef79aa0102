// This package implements a read-only FAT32 reader over any medium that can
// produce fixed-size sectors.

package fat32

import (
	"errors"
	"io"

	"github.com/dsoprea/go-logging"
)

const (
	// SectorSize is the fixed transport sector size. FAT32 volumes can
	// declare larger logical sectors but this reader only mounts volumes
	// whose logical sector matches the transport.
	SectorSize = 512
)

var (
	// ErrDeviceNotPresent indicates that the storage medium never responded
	// to the initialization handshake.
	ErrDeviceNotPresent = errors.New("device not present")

	// ErrDeviceInitFailed indicates that the storage medium responded but
	// rejected or never completed the initialization handshake.
	ErrDeviceInitFailed = errors.New("device initialization failed")

	// ErrReadFailed indicates that a sector could not be read even after
	// the bounded retries.
	ErrReadFailed = errors.New("sector read failed")
)

// SectorDevice is the transport that supplies raw sectors to everything
// else. Implementations fill exactly one sector into the caller's buffer
// and never retain it.
type SectorDevice interface {
	ReadSector(sectorIndex uint32, buffer []byte) error
}

// ImageDevice exposes a filesystem image (a file, or a byte-slice wrapper
// in tests) as a SectorDevice.
type ImageDevice struct {
	rs          io.ReadSeeker
	sectorCount uint32
}

// NewImageDevice returns an ImageDevice over the given stream. `size` is
// the total image size in bytes; the trailing partial sector of an image
// whose size is not sector-aligned is not addressable.
func NewImageDevice(rs io.ReadSeeker, size int64) *ImageDevice {
	return &ImageDevice{
		rs:          rs,
		sectorCount: uint32(size / SectorSize),
	}
}

// SectorCount returns the number of whole sectors in the image.
func (id *ImageDevice) SectorCount() uint32 {
	return id.sectorCount
}

// ReadSector fills the caller's buffer with the given sector.
func (id *ImageDevice) ReadSector(sectorIndex uint32, buffer []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(buffer) != SectorSize {
		log.Panicf("read buffer must hold exactly one sector: (%d)", len(buffer))
	}

	if sectorIndex >= id.sectorCount {
		log.Panic(ErrReadFailed)
	}

	_, err = id.rs.Seek(int64(sectorIndex)*SectorSize, io.SeekStart)
	log.PanicIf(err)

	_, err = io.ReadFull(id.rs, buffer)
	if err != nil {
		log.Panic(ErrReadFailed)
	}

	return nil
}
