package fat32

import (
	"bytes"
	"io"
	"io/ioutil"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestFileStream_Read(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	// Three whole clusters plus a partial tail.
	data := testPattern(3*512 + 100)
	firstCluster := b.writeChain(data)

	volume := mountTestVolume(b.build())

	fs, err := NewFileStream(volume, firstCluster, uint64(len(data)))
	if err != nil {
		panic(err)
	}

	recovered, err := ioutil.ReadAll(fs)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(recovered, data) != true {
		t.Fatalf("file not read correctly: (%d) bytes", len(recovered))
	}
}

func TestFileStream_Read_SmallBuffers(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	data := testPattern(1000)
	firstCluster := b.writeChain(data)

	volume := mountTestVolume(b.build())

	fs, err := NewFileStream(volume, firstCluster, uint64(len(data)))
	if err != nil {
		panic(err)
	}

	// Read in chunks that straddle sector boundaries.
	recovered := make([]byte, 0, len(data))
	buffer := make([]byte, 77)

	for {
		n, err := fs.Read(buffer)
		recovered = append(recovered, buffer[:n]...)

		if err == io.EOF {
			break
		}

		if err != nil {
			panic(err)
		}
	}

	if bytes.Equal(recovered, data) != true {
		t.Fatalf("file not read correctly: (%d) bytes", len(recovered))
	}
}

func TestFileStream_Read_Empty(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	volume := mountTestVolume(b.build())

	// Empty files record cluster zero.
	fs, err := NewFileStream(volume, 0, 0)
	if err != nil {
		panic(err)
	}

	n, err := fs.Read(make([]byte, 16))
	if n != 0 || err != io.EOF {
		t.Fatalf("empty file not exhausted immediately: (%d) [%v]", n, err)
	}
}

func TestFileStream_Discard(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	data := testPattern(4 * 512)
	firstCluster := b.writeChain(data)

	volume := mountTestVolume(b.build())

	fs, err := NewFileStream(volume, firstCluster, uint64(len(data)))
	if err != nil {
		panic(err)
	}

	discarded, err := fs.Discard(1500)
	if err != nil {
		panic(err)
	}

	if discarded != 1500 {
		t.Fatalf("discard count not correct: (%d)", discarded)
	} else if fs.Position() != 1500 {
		t.Fatalf("position not correct: (%d)", fs.Position())
	}

	recovered, err := ioutil.ReadAll(fs)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(recovered, data[1500:]) != true {
		t.Fatalf("remainder not read correctly: (%d) bytes", len(recovered))
	}
}

func TestFileStream_Discard_PastEnd(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	data := testPattern(100)
	firstCluster := b.writeChain(data)

	volume := mountTestVolume(b.build())

	fs, err := NewFileStream(volume, firstCluster, uint64(len(data)))
	if err != nil {
		panic(err)
	}

	discarded, err := fs.Discard(1000)
	if err != nil {
		panic(err)
	}

	if discarded != 100 {
		t.Fatalf("discard count not correct: (%d)", discarded)
	}

	if _, err := fs.Read(make([]byte, 16)); err != io.EOF {
		t.Fatalf("expected EOF after discarding to the end")
	}
}

func TestFileStream_Read_ShortChain(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	data := testPattern(512)
	firstCluster := b.writeChain(data)

	volume := mountTestVolume(b.build())

	// The directory entry claims more data than the chain holds.
	fs, err := NewFileStream(volume, firstCluster, 2048)
	if err != nil {
		panic(err)
	}

	_, err = ioutil.ReadAll(fs)
	if err == nil {
		t.Fatalf("expected a short-read error")
	} else if log.Is(err, ErrShortRead) != true {
		t.Fatalf("error not correct: [%s]", err.Error())
	}
}

func TestFileStream_WriteTo(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	data := testPattern(2*512 + 50)
	firstCluster := b.writeChain(data)

	volume := mountTestVolume(b.build())

	fs, err := NewFileStream(volume, firstCluster, uint64(len(data)))
	if err != nil {
		panic(err)
	}

	out := new(bytes.Buffer)

	written, err := fs.WriteTo(out)
	if err != nil {
		panic(err)
	}

	if written != int64(len(data)) {
		t.Fatalf("written count not correct: (%d)", written)
	} else if bytes.Equal(out.Bytes(), data) != true {
		t.Fatalf("streamed contents not correct")
	}
}

func TestFat32Volume_OpenFile_Directory(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	volume := mountTestVolume(b.build())

	entry := &DirectoryEntry{
		ShortName:    "PHOTOS",
		Attributes:   AttrDirectory,
		FirstCluster: testRootClusterNumber,
	}

	_, err := volume.OpenFile(entry)
	if err == nil {
		t.Fatalf("expected directory open to fail")
	} else if log.Is(err, ErrIsADirectory) != true {
		t.Fatalf("error not correct: [%s]", err.Error())
	}
}
