package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fat32"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of FAT32 filesystem image" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.Open(rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	fi, err := f.Stat()
	log.PanicIf(err)

	device := fat32.NewImageDevice(f, fi.Size())

	volume, err := fat32.MountFat32Volume(device)
	log.PanicIf(err)

	volume.Dump()

	label, err := volume.VolumeLabel()
	log.PanicIf(err)

	fmt.Printf("VolumeLabel: [%s]\n", label)
}
