// This file decodes the 32-byte directory records of a single directory,
// reassembling long filenames from their continuation records.

package fat32

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	directoryRecordSize = 32

	// First-byte sentinels of a directory record.
	recordSentinelEndOfDirectory = 0x00
	recordSentinelDeleted        = 0xe5

	// An initial 0xe5 is a legal filename byte in some OEM code pages; it is
	// stored as 0x05 to avoid colliding with the deleted sentinel.
	recordSentinelKanjiEscape = 0x05

	// AttrReadOnly and friends are the directory-record attribute flags.
	AttrReadOnly    = 0x01
	AttrHidden      = 0x02
	AttrSystem      = 0x04
	AttrVolumeLabel = 0x08
	AttrDirectory   = 0x10
	AttrArchive     = 0x20

	// attrLongName is the attribute combination that marks a long-filename
	// continuation record.
	attrLongName     = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
	attrLongNameMask = 0x3f

	lfnSequenceLastFlag = 0x40
	lfnSequenceMask     = 0x3f
	lfnUnitsPerRecord   = 13

	// maxLfnRecords bounds the long-name accumulator. Twenty records of
	// thirteen UCS-2 units cover the 255-character filename ceiling.
	maxLfnRecords = 20
)

var (
	// ErrCorruptDirectory indicates a long-filename run that exceeds the
	// representable length, or one left dangling at end-of-directory while
	// strict decoding is in effect.
	ErrCorruptDirectory = errors.New("corrupt directory")
)

// DirectoryRecord is the raw 8.3 directory record.
type DirectoryRecord struct {
	Name             [11]byte
	Attributes       uint8
	NtReserved       uint8
	CreationTenths   uint8
	CreationTime     uint16
	CreationDate     uint16
	AccessDate       uint16
	FirstClusterHigh uint16
	WriteTime        uint16
	WriteDate        uint16
	FirstClusterLow  uint16
	FileSize         uint32
}

// FirstCluster returns the record's starting cluster, assembled from the
// split high/low words.
func (dr DirectoryRecord) FirstCluster() uint32 {
	return uint32(dr.FirstClusterHigh)<<16 | uint32(dr.FirstClusterLow)
}

// IsDirectory indicates whether the record describes a directory.
func (dr DirectoryRecord) IsDirectory() bool {
	return dr.Attributes&AttrDirectory > 0
}

// IsVolumeLabel indicates whether the record is the volume-label entry.
func (dr DirectoryRecord) IsVolumeLabel() bool {
	return dr.Attributes&AttrVolumeLabel > 0 && dr.Attributes&attrLongNameMask != attrLongName
}

// ShortName decodes the 8.3 name, restoring an escaped 0xe5 lead byte.
func (dr DirectoryRecord) ShortName() string {
	raw := dr.Name

	if raw[0] == recordSentinelKanjiEscape {
		raw[0] = 0xe5
	}

	base := strings.TrimRight(string(raw[:8]), " ")
	extension := strings.TrimRight(string(raw[8:11]), " ")

	if extension == "" {
		return base
	}

	return base + "." + extension
}

// LfnRecord is a long-filename continuation record: thirteen UCS-2 units
// split across three fragments, plus sequencing and the checksum that ties
// the run to its 8.3 record.
type LfnRecord struct {
	Sequence        uint8
	Name1           [5]uint16
	Attributes      uint8
	Type            uint8
	Checksum        uint8
	Name2           [6]uint16
	FirstClusterLow uint16
	Name3           [2]uint16
}

// SequenceNumber returns the one-based position of this record's fragment
// within the long name.
func (lr LfnRecord) SequenceNumber() int {
	return int(lr.Sequence & lfnSequenceMask)
}

// IsLast indicates whether this is the first record on disk, which carries
// the highest sequence number and starts a run.
func (lr LfnRecord) IsLast() bool {
	return lr.Sequence&lfnSequenceLastFlag > 0
}

// Units returns the record's thirteen UCS-2 code units in name order.
func (lr LfnRecord) Units() []uint16 {
	units := make([]uint16, 0, lfnUnitsPerRecord)
	units = append(units, lr.Name1[:]...)
	units = append(units, lr.Name2[:]...)
	units = append(units, lr.Name3[:]...)

	return units
}

// DirectoryEntry is one decoded, presentable directory entry. Entries are
// produced transiently by a cursor; they hold no reference to it.
type DirectoryEntry struct {
	LongName   string
	ShortName  string
	Attributes uint8

	FirstCluster uint32
	Size         uint32

	Modified time.Time
	Created  time.Time
}

// Name returns the long name when one was recovered, and the 8.3 name
// otherwise.
func (de *DirectoryEntry) Name() string {
	if de.LongName != "" {
		return de.LongName
	}

	return de.ShortName
}

// IsDirectory indicates whether the entry is a directory.
func (de *DirectoryEntry) IsDirectory() bool {
	return de.Attributes&AttrDirectory > 0
}

// IsReadOnly indicates whether the read-only attribute is set.
func (de *DirectoryEntry) IsReadOnly() bool {
	return de.Attributes&AttrReadOnly > 0
}

// IsHidden indicates whether the hidden attribute is set.
func (de *DirectoryEntry) IsHidden() bool {
	return de.Attributes&AttrHidden > 0
}

// IsSystem indicates whether the system attribute is set.
func (de *DirectoryEntry) IsSystem() bool {
	return de.Attributes&AttrSystem > 0
}

// IsArchive indicates whether the archive attribute is set.
func (de *DirectoryEntry) IsArchive() bool {
	return de.Attributes&AttrArchive > 0
}

// String returns a description of the entry.
func (de *DirectoryEntry) String() string {
	return fmt.Sprintf("DirectoryEntry<NAME=[%s] DIR=[%v] CLUSTER=(%d) SIZE=(%d)>", de.Name(), de.IsDirectory(), de.FirstCluster, de.Size)
}

// Dump prints the entry's fields.
func (de *DirectoryEntry) Dump() {
	fmt.Printf("Directory Entry\n")
	fmt.Printf("===============\n")
	fmt.Printf("\n")

	fmt.Printf("LongName: [%s]\n", de.LongName)
	fmt.Printf("ShortName: [%s]\n", de.ShortName)
	fmt.Printf("Attributes: (0x%02x)\n", de.Attributes)
	fmt.Printf("- IsDirectory: [%v]\n", de.IsDirectory())
	fmt.Printf("- IsReadOnly: [%v]\n", de.IsReadOnly())
	fmt.Printf("- IsHidden: [%v]\n", de.IsHidden())
	fmt.Printf("- IsSystem: [%v]\n", de.IsSystem())
	fmt.Printf("- IsArchive: [%v]\n", de.IsArchive())
	fmt.Printf("FirstCluster: (%d)\n", de.FirstCluster)
	fmt.Printf("Size: (%d)\n", de.Size)
	fmt.Printf("Modified: [%s]\n", de.Modified)
	fmt.Printf("Created: [%s]\n", de.Created)
	fmt.Printf("\n")
}

// FileInfo adapts the entry to os.FileInfo.
func (de *DirectoryEntry) FileInfo() os.FileInfo {
	return directoryEntryFileInfo{entry: de}
}

type directoryEntryFileInfo struct {
	entry *DirectoryEntry
}

func (fi directoryEntryFileInfo) Name() string {
	return fi.entry.Name()
}

func (fi directoryEntryFileInfo) Size() int64 {
	return int64(fi.entry.Size)
}

func (fi directoryEntryFileInfo) Mode() os.FileMode {
	if fi.entry.IsDirectory() == true {
		return os.ModeDir | 0555
	}

	return 0444
}

func (fi directoryEntryFileInfo) ModTime() time.Time {
	return fi.entry.Modified
}

func (fi directoryEntryFileInfo) IsDir() bool {
	return fi.entry.IsDirectory()
}

func (fi directoryEntryFileInfo) Sys() interface{} {
	return fi.entry
}

// DirectoryCursor streams the decoded entries of one directory, one at a
// time, across its cluster chain. Deleted records and the volume-label
// record are skipped.
type DirectoryCursor struct {
	volume *Fat32Volume
	chain  *ClusterChain
	strict bool

	currentCluster  uint32
	sectorInCluster uint32
	recordInSector  uint32
	haveCluster     bool
	haveSector      bool
	finished        bool

	sector []byte

	// Long-name accumulation state for the run preceding the next short
	// record. Units are stored at their sequence positions so the records'
	// descending on-disk order falls out naturally.
	lfnUnits    [maxLfnRecords * lfnUnitsPerRecord]uint16
	lfnTotal    int
	lfnSeen     int
	lfnChecksum byte
	lfnValid    bool
}

// NewDirectoryCursor returns a cursor over the directory starting at the
// given cluster.
func NewDirectoryCursor(volume *Fat32Volume, startCluster uint32, strict bool) (dc *DirectoryCursor, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	chain, err := NewClusterChain(volume, startCluster)
	log.PanicIf(err)

	dc = &DirectoryCursor{
		volume: volume,
		chain:  chain,
		strict: strict,
		sector: make([]byte, SectorSize),
	}

	return dc, nil
}

// Next decodes and returns the next entry, or io.EOF at the end of the
// directory.
func (dc *DirectoryCursor) Next() (entry *DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if dc.finished == true {
		return nil, io.EOF
	}

	for {
		record, err := dc.nextRecord()
		if err == io.EOF {
			// The chain ended without an end-of-directory sentinel. Treated
			// the same as the sentinel.
			dc.endOfDirectory()
			return nil, io.EOF
		}

		log.PanicIf(err)

		if record[0] == recordSentinelEndOfDirectory {
			dc.endOfDirectory()
			return nil, io.EOF
		}

		if record[0] == recordSentinelDeleted {
			// A deleted record breaks any long-name run in progress.
			dc.resetLfn()
			continue
		}

		if record[11]&attrLongNameMask == attrLongName {
			dc.accumulateLfn(record)
			continue
		}

		dr := DirectoryRecord{}

		err = restruct.Unpack(record, defaultEncoding, &dr)
		log.PanicIf(err)

		if dr.IsVolumeLabel() == true {
			dc.resetLfn()
			continue
		}

		entry = dc.assembleEntry(dr)

		return entry, nil
	}
}

func (dc *DirectoryCursor) endOfDirectory() {
	if dc.lfnSeen > 0 && dc.strict == true {
		log.Panic(ErrCorruptDirectory)
	}

	dc.finished = true
}

func (dc *DirectoryCursor) resetLfn() {
	dc.lfnTotal = 0
	dc.lfnSeen = 0
	dc.lfnValid = false
}

func (dc *DirectoryCursor) accumulateLfn(record []byte) {
	lr := LfnRecord{}

	err := restruct.Unpack(record, defaultEncoding, &lr)
	log.PanicIf(err)

	sequenceNumber := lr.SequenceNumber()

	if sequenceNumber == 0 || sequenceNumber > maxLfnRecords {
		// Longer than any representable filename.
		log.Panic(ErrCorruptDirectory)
	}

	if lr.IsLast() == true {
		dc.resetLfn()

		dc.lfnTotal = sequenceNumber
		dc.lfnChecksum = lr.Checksum
		dc.lfnValid = true
	} else if dc.lfnValid == true {
		// Continuation records must descend by one and agree on the
		// checksum; anything else invalidates the run.
		if sequenceNumber != dc.lfnTotal-dc.lfnSeen || lr.Checksum != dc.lfnChecksum {
			if dc.strict == true {
				log.Panic(ErrCorruptDirectory)
			}

			dc.resetLfn()
			return
		}
	} else {
		// A continuation with no preceding run-starter.
		if dc.strict == true {
			log.Panic(ErrCorruptDirectory)
		}

		return
	}

	copy(dc.lfnUnits[(sequenceNumber-1)*lfnUnitsPerRecord:], lr.Units())
	dc.lfnSeen++
}

func (dc *DirectoryCursor) assembleEntry(dr DirectoryRecord) *DirectoryEntry {
	longName := ""

	if dc.lfnValid == true && dc.lfnSeen == dc.lfnTotal {
		// The run only belongs to this record if the checksum over the
		// short name agrees. Otherwise the run is an orphan from an old
		// non-LFN-aware rename and the 8.3 name stands alone.
		if dc.lfnChecksum == ShortNameChecksum(dr.Name) {
			longName = UnicodeFromUcs2(dc.lfnUnits[:dc.lfnTotal*lfnUnitsPerRecord])
		}
	}

	dc.resetLfn()

	return &DirectoryEntry{
		LongName:     longName,
		ShortName:    dr.ShortName(),
		Attributes:   dr.Attributes,
		FirstCluster: dr.FirstCluster(),
		Size:         dr.FileSize,
		Modified:     DosTimestamp(dr.WriteDate, dr.WriteTime, 0),
		Created:      DosTimestamp(dr.CreationDate, dr.CreationTime, dr.CreationTenths),
	}
}

// nextRecord returns the next raw 32-byte record, advancing through sectors
// and clusters as needed. io.EOF means the cluster chain is exhausted.
func (dc *DirectoryCursor) nextRecord() (record []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	geometry := dc.volume.Geometry()

	if dc.haveCluster != true {
		clusterNumber, err := dc.chain.Next()
		if err == io.EOF {
			return nil, io.EOF
		}

		log.PanicIf(err)

		dc.currentCluster = clusterNumber
		dc.sectorInCluster = 0
		dc.recordInSector = 0
		dc.haveCluster = true
		dc.haveSector = false
	}

	if dc.haveSector != true {
		sectorIndex := geometry.FirstSectorOfCluster(dc.currentCluster) + dc.sectorInCluster

		err = dc.volume.readSector(sectorIndex, dc.sector)
		log.PanicIf(err)

		dc.haveSector = true
		dc.recordInSector = 0
	}

	offset := dc.recordInSector * directoryRecordSize
	record = dc.sector[offset : offset+directoryRecordSize]

	dc.recordInSector++

	if dc.recordInSector*directoryRecordSize >= SectorSize {
		dc.haveSector = false
		dc.sectorInCluster++

		if dc.sectorInCluster >= geometry.SectorsPerCluster {
			dc.haveCluster = false
		}
	}

	return record, nil
}

// DirectoryEntryVisitorFunc is a visitor callback called for each decoded
// entry of a directory.
type DirectoryEntryVisitorFunc func(entry *DirectoryEntry) (doContinue bool, err error)

// EnumerateDirectoryEntries calls the given callback for each entry of the
// directory starting at the given cluster.
func (v *Fat32Volume) EnumerateDirectoryEntries(startingClusterNumber uint32, cb DirectoryEntryVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dc, err := NewDirectoryCursor(v, startingClusterNumber, v.strict)
	log.PanicIf(err)

	for {
		entry, err := dc.Next()
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		doContinue, err := cb(entry)
		log.PanicIf(err)

		if doContinue == false {
			break
		}
	}

	return nil
}

// rootVolumeLabel scans the root directory for the volume-label record. The
// cursor skips these, so this is a raw-record walk.
func (v *Fat32Volume) rootVolumeLabel() (label string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dc, err := NewDirectoryCursor(v, v.geometry.RootCluster, false)
	log.PanicIf(err)

	for {
		record, err := dc.nextRecord()
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		if record[0] == recordSentinelEndOfDirectory {
			break
		}

		if record[0] == recordSentinelDeleted {
			continue
		}

		if record[11]&attrLongNameMask == attrLongName {
			continue
		}

		if record[11]&AttrVolumeLabel > 0 {
			return strings.TrimRight(string(record[:11]), " "), nil
		}
	}

	return "", nil
}
