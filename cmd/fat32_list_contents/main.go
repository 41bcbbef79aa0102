package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fat32"
)

type rootParameters struct {
	Filepath   string `short:"f" long:"filepath" description:"File-path of FAT32 filesystem image" required:"true"`
	Path       string `short:"p" long:"path" description:"Directory path to list" default:"/"`
	Strict     bool   `short:"s" long:"strict" description:"Fail on corrupt long filenames instead of falling back"`
	ShowDetail bool   `short:"d" long:"detail" description:"Show additional entry detail"`
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

	volume.SetStrict(rootArguments.Strict)

	entry, err := volume.ResolvePath(rootArguments.Path)
	log.PanicIf(err)

	if entry.IsDirectory() != true {
		printEntry(entry)
		return
	}

	cb := func(entry *fat32.DirectoryEntry) (doContinue bool, err error) {
		printEntry(entry)
		return true, nil
	}

	err = volume.EnumerateDirectoryEntries(entry.FirstCluster, cb)
	log.PanicIf(err)
}

func printEntry(entry *fat32.DirectoryEntry) {
	if rootArguments.ShowDetail == true {
		entry.Dump()
		return
	}

	name := entry.Name()
	if entry.IsDirectory() == true {
		name += "/"

		fmt.Printf("%15s %30s %s\n", "", entry.Modified, name)
		return
	}

	fmt.Printf("%15s %30s %s\n", humanize.Comma(int64(entry.Size)), entry.Modified, name)
}
