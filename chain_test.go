package fat32

import (
	"io"
	"reflect"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestClusterChain_Next(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	clusters := b.reserveChain(4)

	volume := mountTestVolume(b.build())

	cc, err := NewClusterChain(volume, clusters[0])
	if err != nil {
		panic(err)
	}

	collected := make([]uint32, 0)
	for {
		clusterNumber, err := cc.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			panic(err)
		}

		collected = append(collected, clusterNumber)
	}

	if reflect.DeepEqual(collected, clusters) != true {
		t.Fatalf("chain not walked correctly: %v != %v", collected, clusters)
	}

	// The cursor stays finished.
	if _, err := cc.Next(); err != io.EOF {
		t.Fatalf("expected EOF after exhaustion")
	}
}

func TestClusterChain_Rewind(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	clusters := b.reserveChain(3)

	volume := mountTestVolume(b.build())

	cc, err := NewClusterChain(volume, clusters[0])
	if err != nil {
		panic(err)
	}

	for {
		if _, err := cc.Next(); err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
	}

	cc.Rewind()

	first, err := cc.Next()
	if err != nil {
		panic(err)
	}

	if first != clusters[0] {
		t.Fatalf("rewound chain not restarted correctly: (%d)", first)
	}
}

func TestClusterChain_Cycle(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	clusters := b.reserveChain(2)

	// Loop the chain back onto itself.
	b.setFatEntry(clusters[1], clusters[0])

	volume := mountTestVolume(b.build())

	cc, err := NewClusterChain(volume, clusters[0])
	if err != nil {
		panic(err)
	}

	for {
		_, err := cc.Next()
		if err == nil {
			continue
		}

		if log.Is(err, ErrCorruptChain) != true {
			t.Fatalf("error not correct: [%s]", err.Error())
		}

		break
	}
}

func TestClusterChain_FreeLink(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	clusters := b.reserveChain(2)

	// Link into an unallocated cluster.
	b.setFatEntry(clusters[1], 0)

	volume := mountTestVolume(b.build())

	cc, err := NewClusterChain(volume, clusters[0])
	if err != nil {
		panic(err)
	}

	if _, err := cc.Next(); err != nil {
		panic(err)
	}

	if _, err := cc.Next(); err != nil {
		panic(err)
	}

	_, err = cc.Next()
	if err == nil {
		t.Fatalf("expected a corrupt-chain error")
	} else if log.Is(err, ErrCorruptChain) != true {
		t.Fatalf("error not correct: [%s]", err.Error())
	}
}

func TestNewClusterChain_InvalidStart(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	volume := mountTestVolume(b.build())

	_, err := NewClusterChain(volume, 0)
	if err == nil {
		t.Fatalf("expected a corrupt-chain error")
	} else if log.Is(err, ErrCorruptChain) != true {
		t.Fatalf("error not correct: [%s]", err.Error())
	}
}

func TestFat32Volume_EnumerateClusters(t *testing.T) {
	b := newTestVolumeBuilder()

	root := b.reserveChain(1)
	b.fillChain(root, buildDirectory())

	clusters := b.reserveChain(3)

	volume := mountTestVolume(b.build())

	collected := make([]uint32, 0)

	cb := func(clusterNumber uint32) (doContinue bool, err error) {
		collected = append(collected, clusterNumber)
		return true, nil
	}

	err := volume.EnumerateClusters(clusters[0], cb)
	if err != nil {
		panic(err)
	}

	if reflect.DeepEqual(collected, clusters) != true {
		t.Fatalf("enumeration not correct: %v != %v", collected, clusters)
	}
}
