package fat32

import (
	"unicode/utf16"

	"github.com/dsoprea/go-logging"
	"github.com/xaionaro-go/bytesextra"
)

// The builder below assembles small synthetic FAT32 images in memory. The
// declared geometry carries the minimum FAT32 cluster count, but only the
// sectors the tests actually touch are backed by the slice.

const (
	testReservedSectors   = 32
	testSectorsPerFat     = 512
	testFatCount          = 2
	testDeclaredClusters  = 65525
	testFatEntryCapacity  = 4096
	testRootClusterNumber = 2
)

type testVolumeBuilder struct {
	sectorsPerCluster uint32
	fat               []uint32
	clusterData       map[uint32][]byte
	nextCluster       uint32
}

func newTestVolumeBuilder() *testVolumeBuilder {
	b := &testVolumeBuilder{
		sectorsPerCluster: 1,
		fat:               make([]uint32, testFatEntryCapacity),
		clusterData:       make(map[uint32][]byte),
		nextCluster:       testRootClusterNumber,
	}

	b.fat[0] = 0x0ffffff8
	b.fat[1] = 0x0fffffff

	return b
}

func (b *testVolumeBuilder) clusterSize() int {
	return int(b.sectorsPerCluster) * SectorSize
}

// reserveChain allocates and links the given number of clusters, ending the
// chain with an end-of-chain marker.
func (b *testVolumeBuilder) reserveChain(clusterCount int) []uint32 {
	clusters := make([]uint32, clusterCount)

	for i := 0; i < clusterCount; i++ {
		clusters[i] = b.nextCluster
		b.nextCluster++
	}

	for i := 0; i < clusterCount-1; i++ {
		b.fat[clusters[i]] = clusters[i+1]
	}

	b.fat[clusters[clusterCount-1]] = 0x0fffffff

	return clusters
}

// fillChain distributes data across previously reserved clusters.
func (b *testVolumeBuilder) fillChain(clusters []uint32, data []byte) {
	clusterSize := b.clusterSize()

	for i, cluster := range clusters {
		start := i * clusterSize
		if start >= len(data) {
			break
		}

		end := start + clusterSize
		if end > len(data) {
			end = len(data)
		}

		b.clusterData[cluster] = data[start:end]
	}
}

// writeChain allocates a chain big enough for the data, fills it, and
// returns its first cluster.
func (b *testVolumeBuilder) writeChain(data []byte) (firstCluster uint32) {
	clusterSize := b.clusterSize()

	clusterCount := (len(data) + clusterSize - 1) / clusterSize
	if clusterCount == 0 {
		clusterCount = 1
	}

	clusters := b.reserveChain(clusterCount)
	b.fillChain(clusters, data)

	return clusters[0]
}

func (b *testVolumeBuilder) setFatEntry(cluster, value uint32) {
	b.fat[cluster] = value
}

func (b *testVolumeBuilder) build() []byte {
	return b.buildAt(0)
}

// buildAt assembles the image with the filesystem at the given partition
// offset. A nonzero offset also gets a partition table in sector 0.
func (b *testVolumeBuilder) buildAt(partitionStart uint32) []byte {
	firstFatSector := partitionStart + testReservedSectors
	firstDataSector := firstFatSector + testFatCount*testSectorsPerFat

	usedClusters := b.nextCluster - testRootClusterNumber
	totalSectors := uint32(testReservedSectors) + testFatCount*testSectorsPerFat + testDeclaredClusters*b.sectorsPerCluster

	imageSectors := firstDataSector + (usedClusters+4)*b.sectorsPerCluster
	image := make([]byte, int(imageSectors)*SectorSize)

	b.writeBootSector(image[int(partitionStart)*SectorSize:], totalSectors)
	b.writeFsInfo(image[int(partitionStart+1)*SectorSize:])

	if partitionStart > 0 {
		writePartitionTable(image, partitionStart, totalSectors)
	}

	for copyIndex := uint32(0); copyIndex < testFatCount; copyIndex++ {
		base := int(firstFatSector+copyIndex*testSectorsPerFat) * SectorSize

		for i, entry := range b.fat {
			defaultEncoding.PutUint32(image[base+i*4:], entry)
		}
	}

	for cluster, data := range b.clusterData {
		offset := int(firstDataSector+(cluster-testRootClusterNumber)*b.sectorsPerCluster) * SectorSize
		copy(image[offset:], data)
	}

	return image
}

func (b *testVolumeBuilder) writeBootSector(bs []byte, totalSectors uint32) {
	bs[0] = 0xeb
	bs[1] = 0x3c
	bs[2] = 0x90

	copy(bs[3:11], "MSWIN4.1")

	defaultEncoding.PutUint16(bs[11:], SectorSize)
	bs[13] = byte(b.sectorsPerCluster)
	defaultEncoding.PutUint16(bs[14:], testReservedSectors)
	bs[16] = testFatCount
	bs[21] = 0xf8

	defaultEncoding.PutUint32(bs[32:], totalSectors)
	defaultEncoding.PutUint32(bs[36:], testSectorsPerFat)
	defaultEncoding.PutUint32(bs[44:], testRootClusterNumber)
	defaultEncoding.PutUint16(bs[48:], 1)
	defaultEncoding.PutUint16(bs[50:], 6)

	bs[66] = 0x29
	defaultEncoding.PutUint32(bs[67:], 0x12345678)
	copy(bs[71:82], "TESTVOL    ")
	copy(bs[82:90], "FAT32   ")

	defaultEncoding.PutUint16(bs[510:], 0xaa55)
}

func (b *testVolumeBuilder) writeFsInfo(fsi []byte) {
	defaultEncoding.PutUint32(fsi[0:], fsInfoLeadSignature)
	defaultEncoding.PutUint32(fsi[484:], fsInfoStructSignature)
	defaultEncoding.PutUint32(fsi[488:], 0xffffffff)
	defaultEncoding.PutUint32(fsi[492:], 0xffffffff)
	defaultEncoding.PutUint32(fsi[508:], fsInfoTrailSignature)
}

func writePartitionTable(image []byte, partitionStart, totalSectors uint32) {
	entry := image[mbrPartitionTableOffset:]

	entry[4] = 0x0c
	defaultEncoding.PutUint32(entry[8:], partitionStart)
	defaultEncoding.PutUint32(entry[12:], totalSectors)

	defaultEncoding.PutUint16(image[510:], 0xaa55)
}

// encode83 packs a dotted name into the raw 11-byte 8.3 form.
func encode83(name string) (raw [11]byte) {
	for i := range raw {
		raw[i] = ' '
	}

	base := name
	extension := ""

	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			base = name[:i]
			extension = name[i+1:]
			break
		}
	}

	copy(raw[:8], base)
	copy(raw[8:11], extension)

	return raw
}

// shortRecord encodes one raw 8.3 directory record.
func shortRecord(name string, attributes byte, firstCluster uint32, size uint32) []byte {
	raw := encode83(name)

	record := make([]byte, directoryRecordSize)
	copy(record[:11], raw[:])
	record[11] = attributes

	defaultEncoding.PutUint16(record[20:], uint16(firstCluster>>16))
	defaultEncoding.PutUint16(record[26:], uint16(firstCluster))
	defaultEncoding.PutUint32(record[28:], size)

	return record
}

// lfnRecords encodes the long-filename continuation records for the given
// name, in their on-disk (descending) order.
func lfnRecords(longName string, checksum byte) []byte {
	units := utf16.Encode([]rune(longName))

	recordCount := (len(units) + lfnUnitsPerRecord - 1) / lfnUnitsPerRecord

	padded := make([]uint16, recordCount*lfnUnitsPerRecord)
	copy(padded, units)

	if len(units) < len(padded) {
		padded[len(units)] = 0

		for i := len(units) + 1; i < len(padded); i++ {
			padded[i] = 0xffff
		}
	}

	out := make([]byte, 0, recordCount*directoryRecordSize)

	for sequenceNumber := recordCount; sequenceNumber >= 1; sequenceNumber-- {
		record := make([]byte, directoryRecordSize)

		sequenceByte := byte(sequenceNumber)
		if sequenceNumber == recordCount {
			sequenceByte |= lfnSequenceLastFlag
		}

		record[0] = sequenceByte
		record[11] = attrLongName
		record[13] = checksum

		fragment := padded[(sequenceNumber-1)*lfnUnitsPerRecord:]

		for i := 0; i < 5; i++ {
			defaultEncoding.PutUint16(record[1+i*2:], fragment[i])
		}
		for i := 0; i < 6; i++ {
			defaultEncoding.PutUint16(record[14+i*2:], fragment[5+i])
		}
		for i := 0; i < 2; i++ {
			defaultEncoding.PutUint16(record[28+i*2:], fragment[11+i])
		}

		out = append(out, record...)
	}

	return out
}

// buildDirectory concatenates raw records. The end-of-directory sentinel is
// the zero padding of the cluster.
func buildDirectory(records ...[]byte) []byte {
	out := make([]byte, 0)

	for _, record := range records {
		out = append(out, record...)
	}

	return out
}

func newTestImageDevice(image []byte) *ImageDevice {
	rws := bytesextra.NewReadWriteSeeker(image)

	return NewImageDevice(rws, int64(len(image)))
}

func mountTestVolume(image []byte) *Fat32Volume {
	volume, err := MountFat32Volume(newTestImageDevice(image))
	log.PanicIf(err)

	return volume
}

// testPattern returns n bytes of a deterministic, position-dependent
// pattern.
func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}

	return data
}
