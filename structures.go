// This file manages the low-level, on-disk storage structures: the partition
// table, the FAT32 boot sector, and the geometry derived from them.

package fat32

import (
	"errors"
	"fmt"
	"strings"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	mbrPartitionTableOffset = 446
	mbrPartitionEntrySize   = 16
	mbrPartitionEntryCount  = 4

	protectiveGptPartitionType = 0xee

	// The smallest cluster count that identifies a FAT32 volume. Anything
	// below this is FAT12/FAT16 and unsupported.
	fat32MinimumClusterCount = 65525

	maximumClusterSize = 32 * 1024

	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xaa550000
)

var (
	structuresLogger = log.NewLogger("fat32.structures")
)

var (
	defaultEncoding = binary.LittleEndian

	requiredBootSignature = uint16(0xaa55)
)

var (
	// ErrCorruptBootSector indicates that sector 0 (or the boot sector named
	// by the partition table) is missing required signatures or carries
	// illegal geometry fields.
	ErrCorruptBootSector = errors.New("corrupt boot sector")

	// ErrUnsupportedVolume indicates a structurally valid volume that this
	// reader does not handle (not FAT32, or a sector size other than the
	// transport's).
	ErrUnsupportedVolume = errors.New("unsupported volume")
)

// MBRPartitionEntry is one of the four 16-byte records in the partition table
// at the end of sector 0.
type MBRPartitionEntry struct {
	BootIndicator uint8
	FirstChs      [3]byte
	PartitionType uint8
	LastChs       [3]byte
	FirstSector   uint32
	SectorCount   uint32
}

// IsUsed indicates whether this slot describes an actual partition.
func (pe MBRPartitionEntry) IsUsed() bool {
	return pe.PartitionType != 0 && pe.SectorCount != 0
}

// String returns a description of the partition entry.
func (pe MBRPartitionEntry) String() string {
	return fmt.Sprintf("MBRPartitionEntry<TYPE=(0x%02x) FIRST-SECTOR=(%d) SECTOR-COUNT=(%d)>", pe.PartitionType, pe.FirstSector, pe.SectorCount)
}

// BootSectorFAT32 is the full 512-byte FAT32 boot sector: the BIOS Parameter
// Block, the FAT32 extension, the boot code, and the trailing signature.
type BootSectorFAT32 struct {
	// JumpBoot is the x86 jump instruction to the boot code. The first byte
	// must be either 0xeb (short jump) or 0xe9 (near jump).
	JumpBoot [3]byte

	// OemName is a free-form system identifier, typically the name of the
	// formatting tool.
	OemName [8]byte

	// BytesPerSector is the logical sector size. Legal values are 512, 1024,
	// 2048, and 4096.
	BytesPerSector uint16

	// SectorsPerCluster is the allocation-unit size in sectors. Must be a
	// power of two, and the resulting cluster size must not exceed 32K.
	SectorsPerCluster uint8

	// ReservedSectorCount is the number of sectors before the first FAT,
	// including the boot sector itself.
	ReservedSectorCount uint16

	// FatCount is the number of FAT copies, almost always two.
	FatCount uint8

	// RootEntryCount is the fixed root-directory slot count for FAT12/16.
	// Must be zero on FAT32, where the root directory is a normal cluster
	// chain.
	RootEntryCount uint16

	// TotalSectors16 is the 16-bit total-sector count, used only when the
	// volume fits. Zero on FAT32 volumes, which use TotalSectors32.
	TotalSectors16 uint16

	// Media is the legacy media-descriptor byte.
	Media uint8

	// FatSize16 is the 16-bit sectors-per-FAT field. Must be zero on FAT32,
	// where FatSize32 is authoritative.
	FatSize16 uint16

	SectorsPerTrack uint16
	HeadCount       uint16

	// HiddenSectors is the sector count preceding the partition.
	HiddenSectors uint32

	// TotalSectors32 is the 32-bit total-sector count.
	TotalSectors32 uint32

	// FatSize32 is the sectors-per-FAT count. Non-zero on FAT32.
	FatSize32 uint32

	ExtFlags uint16

	// FilesystemVersion must be zero; any other value indicates a revision
	// this reader does not understand.
	FilesystemVersion uint16

	// RootCluster is the first cluster of the root directory, typically two.
	RootCluster uint32

	// FsInfoSector is the sector number of the FSInfo structure within the
	// reserved region, typically one.
	FsInfoSector uint16

	// BackupBootSector is the sector number of the boot-sector copy within
	// the reserved region, typically six.
	BackupBootSector uint16

	Reserved [12]byte

	DriveNumber uint8
	Reserved1   uint8

	// ExtendedBootSignature is 0x29 when VolumeId, VolumeLabel, and
	// FilesystemType are populated.
	ExtendedBootSignature uint8

	// VolumeId is the serial number assigned at format time.
	VolumeId uint32

	// VolumeLabel is the space-padded label recorded at format time. The
	// volume-label directory entry in the root directory, when present,
	// supersedes it.
	VolumeLabel [11]byte

	// FilesystemType is the space-padded informational string "FAT32   ".
	// Informational only; FAT32 detection uses the computed cluster count.
	FilesystemType [8]byte

	BootCode [420]byte

	// Signature must be 0xaa55.
	Signature uint16
}

// SectorsPerFat returns the effective sectors-per-FAT count.
func (bs BootSectorFAT32) SectorsPerFat() uint32 {
	if bs.FatSize16 != 0 {
		return uint32(bs.FatSize16)
	}

	return bs.FatSize32
}

// TotalSectors returns the effective total-sector count.
func (bs BootSectorFAT32) TotalSectors() uint32 {
	if bs.TotalSectors16 != 0 {
		return uint32(bs.TotalSectors16)
	}

	return bs.TotalSectors32
}

// Dump prints all of the boot-sector parameters.
func (bs BootSectorFAT32) Dump() {
	fmt.Printf("Boot Sector\n")
	fmt.Printf("===========\n")
	fmt.Printf("\n")

	fmt.Printf("OemName: [%s]\n", strings.TrimRight(string(bs.OemName[:]), " "))
	fmt.Printf("BytesPerSector: (%d)\n", bs.BytesPerSector)
	fmt.Printf("SectorsPerCluster: (%d)\n", bs.SectorsPerCluster)
	fmt.Printf("ReservedSectorCount: (%d)\n", bs.ReservedSectorCount)
	fmt.Printf("FatCount: (%d)\n", bs.FatCount)
	fmt.Printf("RootEntryCount: (%d)\n", bs.RootEntryCount)
	fmt.Printf("TotalSectors16: (%d)\n", bs.TotalSectors16)
	fmt.Printf("Media: (0x%02x)\n", bs.Media)
	fmt.Printf("FatSize16: (%d)\n", bs.FatSize16)
	fmt.Printf("HiddenSectors: (%d)\n", bs.HiddenSectors)
	fmt.Printf("TotalSectors32: (%d)\n", bs.TotalSectors32)
	fmt.Printf("FatSize32: (%d)\n", bs.FatSize32)
	fmt.Printf("ExtFlags: (0x%04x)\n", bs.ExtFlags)
	fmt.Printf("FilesystemVersion: (0x%04x)\n", bs.FilesystemVersion)
	fmt.Printf("RootCluster: (%d)\n", bs.RootCluster)
	fmt.Printf("FsInfoSector: (%d)\n", bs.FsInfoSector)
	fmt.Printf("BackupBootSector: (%d)\n", bs.BackupBootSector)
	fmt.Printf("VolumeId: (0x%08x)\n", bs.VolumeId)
	fmt.Printf("VolumeLabel: [%s]\n", strings.TrimRight(string(bs.VolumeLabel[:]), " "))
	fmt.Printf("FilesystemType: [%s]\n", strings.TrimRight(string(bs.FilesystemType[:]), " "))
	fmt.Printf("\n")
}

// String returns a description of the boot sector.
func (bs BootSectorFAT32) String() string {
	return fmt.Sprintf("BootSector<ID=(0x%08x) LABEL=[%s]>", bs.VolumeId, strings.TrimRight(string(bs.VolumeLabel[:]), " "))
}

// FSInfoSector is the free-space advisory structure named by the boot
// sector's FsInfoSector field.
type FSInfoSector struct {
	LeadSignature    uint32
	Reserved1        [480]byte
	StructSignature  uint32
	FreeClusterCount uint32
	NextFreeCluster  uint32
	Reserved2        [12]byte
	TrailSignature   uint32
}

// IsValid indicates whether all three FSInfo signatures are present.
func (fsi FSInfoSector) IsValid() bool {
	return fsi.LeadSignature == fsInfoLeadSignature &&
		fsi.StructSignature == fsInfoStructSignature &&
		fsi.TrailSignature == fsInfoTrailSignature
}

// VolumeGeometry is everything derived from the boot sector that the rest of
// the reader needs in order to translate clusters to sectors. It is computed
// once at mount time and never mutated.
type VolumeGeometry struct {
	BytesPerSector       uint32
	SectorsPerCluster    uint32
	ReservedSectorCount  uint32
	FatCount             uint32
	SectorsPerFat        uint32
	RootCluster          uint32
	TotalClusterCount    uint32
	PartitionStartSector uint32

	// FirstFatSector and FirstDataSector are absolute (device-relative)
	// sector numbers, with the partition offset already applied.
	FirstFatSector  uint32
	FirstDataSector uint32
}

// FirstSectorOfCluster translates a cluster number to the absolute sector
// number of its first sector. Pure and stateless.
func (vg VolumeGeometry) FirstSectorOfCluster(clusterNumber uint32) uint32 {
	return vg.FirstDataSector + (clusterNumber-firstValidClusterNumber)*vg.SectorsPerCluster
}

// FatSectorForCluster returns the absolute sector of the first FAT that
// holds the entry for the given cluster.
func (vg VolumeGeometry) FatSectorForCluster(clusterNumber uint32) uint32 {
	return vg.FirstFatSector + clusterNumber*4/vg.BytesPerSector
}

// FatOffsetForCluster returns the byte offset of the given cluster's entry
// within its FAT sector.
func (vg VolumeGeometry) FatOffsetForCluster(clusterNumber uint32) uint32 {
	return clusterNumber * 4 % vg.BytesPerSector
}

// ClusterSize returns the cluster size in bytes.
func (vg VolumeGeometry) ClusterSize() uint32 {
	return vg.BytesPerSector * vg.SectorsPerCluster
}

// Dump prints the derived geometry.
func (vg VolumeGeometry) Dump() {
	fmt.Printf("Volume Geometry\n")
	fmt.Printf("===============\n")
	fmt.Printf("\n")

	fmt.Printf("BytesPerSector: (%d)\n", vg.BytesPerSector)
	fmt.Printf("SectorsPerCluster: (%d)\n", vg.SectorsPerCluster)
	fmt.Printf("ReservedSectorCount: (%d)\n", vg.ReservedSectorCount)
	fmt.Printf("FatCount: (%d)\n", vg.FatCount)
	fmt.Printf("SectorsPerFat: (%d)\n", vg.SectorsPerFat)
	fmt.Printf("RootCluster: (%d)\n", vg.RootCluster)
	fmt.Printf("TotalClusterCount: (%d)\n", vg.TotalClusterCount)
	fmt.Printf("PartitionStartSector: (%d)\n", vg.PartitionStartSector)
	fmt.Printf("FirstFatSector: (%d)\n", vg.FirstFatSector)
	fmt.Printf("FirstDataSector: (%d)\n", vg.FirstDataSector)
	fmt.Printf("\n")
}

// Fat32Volume is a mounted volume: a sector device plus the geometry parsed
// from its boot sector. All traversal state lives in the cursors and streams
// created from it, so independent reads never interfere.
type Fat32Volume struct {
	device     SectorDevice
	geometry   VolumeGeometry
	bootSector BootSectorFAT32

	strict bool
}

// MountFat32Volume parses the partition table and boot sector and returns an
// operable volume. Directory decoding defaults to best-effort; see SetStrict.
func MountFat32Volume(device SectorDevice) (volume *Fat32Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buffer := make([]byte, SectorSize)

	err = device.ReadSector(0, buffer)
	log.PanicIf(err)

	if defaultEncoding.Uint16(buffer[510:512]) != requiredBootSignature {
		log.Panic(ErrCorruptBootSector)
	}

	partitionStartSector := uint32(0)

	if looksLikeBootSector(buffer) != true {
		// Sector 0 is a partition table. Follow the first used entry.

		partitionStartSector = firstUsedPartitionStart(buffer)

		err = device.ReadSector(partitionStartSector, buffer)
		log.PanicIf(err)
	}

	bs := BootSectorFAT32{}

	err = restruct.Unpack(buffer, defaultEncoding, &bs)
	log.PanicIf(err)

	validateBootSector(bs)

	geometry := deriveGeometry(bs, partitionStartSector)

	volume = &Fat32Volume{
		device:     device,
		geometry:   geometry,
		bootSector: bs,
	}

	volume.checkFsInfo()

	return volume, nil
}

// looksLikeBootSector applies a plausibility check to distinguish a boot
// sector from a partition table, both of which end in 0xaa55.
func looksLikeBootSector(buffer []byte) bool {
	if buffer[0] != 0xeb && buffer[0] != 0xe9 {
		return false
	}

	bytesPerSector := defaultEncoding.Uint16(buffer[11:13])
	switch bytesPerSector {
	case 512, 1024, 2048, 4096:
		return true
	}

	return false
}

func firstUsedPartitionStart(buffer []byte) uint32 {
	for i := 0; i < mbrPartitionEntryCount; i++ {
		raw := buffer[mbrPartitionTableOffset+i*mbrPartitionEntrySize : mbrPartitionTableOffset+(i+1)*mbrPartitionEntrySize]

		pe := MBRPartitionEntry{}

		err := restruct.Unpack(raw, defaultEncoding, &pe)
		log.PanicIf(err)

		if pe.IsUsed() != true {
			continue
		}

		if pe.PartitionType == protectiveGptPartitionType {
			// A protective-GPT table. The real partitions are in the GPT,
			// which this reader does not parse.
			log.Panic(ErrUnsupportedVolume)
		}

		return pe.FirstSector
	}

	log.Panic(ErrCorruptBootSector)
	return 0
}

func validateBootSector(bs BootSectorFAT32) {
	if bs.Signature != requiredBootSignature {
		log.Panic(ErrCorruptBootSector)
	}

	if bs.JumpBoot[0] != 0xeb && bs.JumpBoot[0] != 0xe9 {
		log.Panic(ErrCorruptBootSector)
	}

	switch bs.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		log.Panic(ErrCorruptBootSector)
	}

	spc := uint32(bs.SectorsPerCluster)
	if spc == 0 || spc&(spc-1) != 0 {
		log.Panic(ErrCorruptBootSector)
	}

	if uint32(bs.BytesPerSector)*spc > maximumClusterSize {
		log.Panic(ErrCorruptBootSector)
	}

	if bs.FatCount == 0 || bs.ReservedSectorCount == 0 {
		log.Panic(ErrCorruptBootSector)
	}

	// A non-512-byte logical sector can be a legal FAT32 volume, but it can
	// not be addressed through the fixed 512-byte sector transport.
	if uint32(bs.BytesPerSector) != SectorSize {
		log.Panic(ErrUnsupportedVolume)
	}

	if bs.FatSize16 != 0 || bs.FatSize32 == 0 || bs.RootEntryCount != 0 || bs.FilesystemVersion != 0 {
		log.Panic(ErrUnsupportedVolume)
	}

	if bs.RootCluster < firstValidClusterNumber {
		log.Panic(ErrCorruptBootSector)
	}
}

func deriveGeometry(bs BootSectorFAT32, partitionStartSector uint32) VolumeGeometry {
	sectorsPerFat := bs.SectorsPerFat()
	fatSectors := uint32(bs.FatCount) * sectorsPerFat

	reservedAndFats := uint32(bs.ReservedSectorCount) + fatSectors

	// The total-sector count must leave room for a data region, or the
	// subtraction below wraps into a nonsense cluster count.
	if bs.TotalSectors() <= reservedAndFats {
		log.Panic(ErrCorruptBootSector)
	}

	dataSectors := bs.TotalSectors() - reservedAndFats
	totalClusterCount := dataSectors / uint32(bs.SectorsPerCluster)

	if totalClusterCount < fat32MinimumClusterCount {
		// FAT12/FAT16 by the cluster-count determination rule.
		log.Panic(ErrUnsupportedVolume)
	}

	firstFatSector := partitionStartSector + uint32(bs.ReservedSectorCount)

	return VolumeGeometry{
		BytesPerSector:       uint32(bs.BytesPerSector),
		SectorsPerCluster:    uint32(bs.SectorsPerCluster),
		ReservedSectorCount:  uint32(bs.ReservedSectorCount),
		FatCount:             uint32(bs.FatCount),
		SectorsPerFat:        sectorsPerFat,
		RootCluster:          bs.RootCluster,
		TotalClusterCount:    totalClusterCount,
		PartitionStartSector: partitionStartSector,
		FirstFatSector:       firstFatSector,
		FirstDataSector:      firstFatSector + fatSectors,
	}
}

// checkFsInfo validates the FSInfo signatures. A bad FSInfo sector is logged
// and tolerated; it is advisory state that a read-only mount never consults.
func (v *Fat32Volume) checkFsInfo() {
	if v.bootSector.FsInfoSector == 0 || v.bootSector.FsInfoSector == 0xffff {
		return
	}

	buffer := make([]byte, SectorSize)

	err := v.device.ReadSector(v.geometry.PartitionStartSector+uint32(v.bootSector.FsInfoSector), buffer)
	if err != nil {
		structuresLogger.Warningf(nil, "FSInfo sector could not be read: [%s]", err.Error())
		return
	}

	fsi := FSInfoSector{}

	err = restruct.Unpack(buffer, defaultEncoding, &fsi)
	if err != nil || fsi.IsValid() != true {
		structuresLogger.Warningf(nil, "FSInfo sector signatures not correct.")
	}
}

// SetStrict toggles strict directory decoding for cursors created through
// this volume. Strict mode fails on dangling long-filename runs rather than
// falling back to the short name.
func (v *Fat32Volume) SetStrict(strict bool) {
	v.strict = strict
}

// Geometry returns the derived volume geometry.
func (v *Fat32Volume) Geometry() VolumeGeometry {
	return v.geometry
}

// BootSector returns the raw parsed boot sector.
func (v *Fat32Volume) BootSector() BootSectorFAT32 {
	return v.bootSector
}

// OemName returns the formatting-tool identifier from the boot sector.
func (v *Fat32Volume) OemName() string {
	return strings.TrimRight(string(v.bootSector.OemName[:]), " ")
}

// VolumeId returns the serial number assigned at format time.
func (v *Fat32Volume) VolumeId() uint32 {
	return v.bootSector.VolumeId
}

// VolumeLabel returns the volume label. The volume-label entry in the root
// directory supersedes the boot-sector field when present.
func (v *Fat32Volume) VolumeLabel() (label string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	label, err = v.rootVolumeLabel()
	log.PanicIf(err)

	if label == "" {
		label = strings.TrimRight(string(v.bootSector.VolumeLabel[:]), " ")
	}

	return label, nil
}

func (v *Fat32Volume) readSector(sectorIndex uint32, buffer []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = v.device.ReadSector(sectorIndex, buffer)
	log.PanicIf(err)

	return nil
}

// Dump prints the boot sector and the derived geometry.
func (v *Fat32Volume) Dump() {
	v.bootSector.Dump()
	v.geometry.Dump()
}
