package main

import (
	"fmt"
	"net"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fat32"
)

type rootParameters struct {
	Filepath      string `short:"f" long:"filepath" description:"File-path of FAT32 filesystem image" required:"true"`
	ListenAddress string `short:"l" long:"listen" description:"Address to listen on" default:":8080"`
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

	listener, err := net.Listen("tcp", rootArguments.ListenAddress)
	log.PanicIf(err)

	defer listener.Close()

	fmt.Printf("Serving on [%s].\n", listener.Addr())

	server := fat32.NewVolumeServer(volume)

	err = server.Serve(listener)
	log.PanicIf(err)
}
