// This file walks cluster chains by following FAT entries.

package fat32

import (
	"errors"
	"io"

	"github.com/dsoprea/go-logging"
)

const (
	// firstValidClusterNumber is the lowest cluster number that maps to data.
	// Entries zero and one of the FAT are reserved.
	firstValidClusterNumber = 2

	// fatEntryMask drops the four high bits of a FAT entry, which are
	// reserved and must be ignored.
	fatEntryMask = 0x0fffffff

	fatEntryBadCluster    = 0x0ffffff7
	fatEntryEndOfChainMin = 0x0ffffff8
)

var (
	// ErrCorruptChain indicates a FAT chain that links to a free, reserved,
	// bad, or out-of-range cluster, or that runs longer than the volume's
	// total cluster count (a cycle).
	ErrCorruptChain = errors.New("corrupt cluster chain")
)

// ClusterChain is a lazy, forward-only cursor over the cluster numbers of
// one chain. It owns a single FAT-sector window and never caches the chain
// itself; re-traversal means Rewind or a fresh cursor.
type ClusterChain struct {
	volume *Fat32Volume

	startCluster   uint32
	currentCluster uint32
	yielded        uint32
	started        bool
	finished       bool

	fatWindow       []byte
	fatWindowSector uint32
	fatWindowValid  bool
}

// NewClusterChain returns a cursor positioned before the given starting
// cluster.
func NewClusterChain(volume *Fat32Volume, startCluster uint32) (cc *ClusterChain, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	geometry := volume.Geometry()

	if startCluster < firstValidClusterNumber || startCluster >= geometry.TotalClusterCount+firstValidClusterNumber {
		log.Panic(ErrCorruptChain)
	}

	cc = &ClusterChain{
		volume:       volume,
		startCluster: startCluster,
		fatWindow:    make([]byte, SectorSize),
	}

	return cc, nil
}

// Next yields the next cluster number in the chain, starting with the
// cluster the cursor was created from, and io.EOF after the last one.
func (cc *ClusterChain) Next() (clusterNumber uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if cc.finished == true {
		return 0, io.EOF
	}

	if cc.started == false {
		cc.started = true
		cc.currentCluster = cc.startCluster
		cc.yielded = 1

		return cc.currentCluster, nil
	}

	entry, err := cc.fatEntry(cc.currentCluster)
	log.PanicIf(err)

	if entry >= fatEntryEndOfChainMin {
		cc.finished = true
		return 0, io.EOF
	}

	geometry := cc.volume.Geometry()

	if entry < firstValidClusterNumber || entry == fatEntryBadCluster || entry >= geometry.TotalClusterCount+firstValidClusterNumber {
		log.Panic(ErrCorruptChain)
	}

	// A well-formed chain can not be longer than the volume has clusters.
	// Exceeding that is a cycle.
	cc.yielded++
	if cc.yielded > geometry.TotalClusterCount {
		log.Panic(ErrCorruptChain)
	}

	cc.currentCluster = entry

	return cc.currentCluster, nil
}

// Rewind restores the cursor to the starting cluster. The FAT window is
// kept; it is re-read only when a different FAT sector is needed.
func (cc *ClusterChain) Rewind() {
	cc.started = false
	cc.finished = false
	cc.yielded = 0
}

func (cc *ClusterChain) fatEntry(clusterNumber uint32) (entry uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	geometry := cc.volume.Geometry()
	fatSector := geometry.FatSectorForCluster(clusterNumber)

	if cc.fatWindowValid != true || cc.fatWindowSector != fatSector {
		err = cc.volume.readSector(fatSector, cc.fatWindow)
		log.PanicIf(err)

		cc.fatWindowSector = fatSector
		cc.fatWindowValid = true
	}

	offset := geometry.FatOffsetForCluster(clusterNumber)
	entry = defaultEncoding.Uint32(cc.fatWindow[offset:offset+4]) & fatEntryMask

	return entry, nil
}

// ClusterVisitorFunc is a visitor callback called for each cluster in a
// chain.
type ClusterVisitorFunc func(clusterNumber uint32) (doContinue bool, err error)

// EnumerateClusters calls the given callback for each cluster in the chain
// starting from the given cluster.
func (v *Fat32Volume) EnumerateClusters(startingClusterNumber uint32, cb ClusterVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cc, err := NewClusterChain(v, startingClusterNumber)
	log.PanicIf(err)

	for {
		clusterNumber, err := cc.Next()
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		doContinue, err := cb(clusterNumber)
		log.PanicIf(err)

		if doContinue == false {
			break
		}
	}

	return nil
}
