package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fat32"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of FAT32 filesystem image" required:"true"`
	ExtractFilepath    string `short:"e" long:"extract-filepath" description:"File-path to extract (use forward slashes)" required:"true"`
	OutputFilepath     string `short:"o" long:"output-filepath" description:"File-path to write to ('-' for STDOUT)" required:"true"`
	Strict             bool   `short:"s" long:"strict" description:"Fail on corrupt long filenames instead of falling back"`
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

	f, err := os.Open(rootArguments.FilesystemFilepath)
	log.PanicIf(err)

	defer f.Close()

	fi, err := f.Stat()
	log.PanicIf(err)

	device := fat32.NewImageDevice(f, fi.Size())

	volume, err := fat32.MountFat32Volume(device)
	log.PanicIf(err)

	volume.SetStrict(rootArguments.Strict)

	entry, err := volume.ResolvePath(rootArguments.ExtractFilepath)
	if err != nil {
		if log.Is(err, fat32.ErrNotFound) == true {
			fmt.Printf("File not found.\n")
			os.Exit(2)
		}

		log.Panic(err)
	}

	stream, err := volume.OpenFile(entry)
	log.PanicIf(err)

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		var err error

		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer func() {
			g.Close()
		}()
	}

	written, err := stream.WriteTo(g)
	log.PanicIf(err)

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("(%d) bytes written.\n", written)
	}
}
