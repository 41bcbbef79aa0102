// This file implements the sector transport for an SD card on a shared SPI
// bus: the initialization handshake and single-sector reads, with bounded
// retries and exclusive bus ownership per command.

package fat32

import (
	"sync"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/hashicorp/go-multierror"
)

const (
	sdCommandGoIdleState     = 0
	sdCommandSendIfCond      = 8
	sdCommandSetBlockLength  = 16
	sdCommandReadSingleBlock = 17
	sdCommandAppCommand      = 55
	sdCommandReadOcr         = 58

	sdAppCommandSendOpCond = 41

	sdR1Idle           = 0x01
	sdR1IllegalCommand = 0x04

	sdDataStartToken = 0xfe

	// CMD8 argument: 2.7-3.6V range plus the 0xaa check pattern, echoed back
	// by the card.
	sdIfCondArgument = 0x1aa

	// ACMD41 host-capacity-support bit, offered to version-2 cards.
	sdOpCondHcsBit = 0x40000000

	// OCR card-capacity-status bit: the card is block-addressed.
	sdOcrCcsBit = 0x40

	sdPresenceAttempts  = 32
	sdInitAttempts      = 64
	sdReadAttempts      = 5
	sdResponseAttempts  = 8
	sdDataTokenAttempts = 10000

	sdBackoffFloor   = time.Millisecond
	sdBackoffCeiling = 16 * time.Millisecond
)

var (
	sdLogger = log.NewLogger("fat32.sdcard")
)

// SPIBus is the raw half-duplex clocked-serial collaborator: select or
// deselect the one device on the bus, and exchange equal-length byte
// buffers.
type SPIBus interface {
	Select()
	Deselect()
	Exchange(send, receive []byte) error
}

// SDCard is a SectorDevice over an SD card in SPI mode. The bus is a
// mutually exclusive resource: every command runs inside one scoped
// acquisition (select, exchange, deselect), so an interrupted exchange can
// not leave the card mid-protocol for the next operation.
type SDCard struct {
	bus   SPIBus
	mutex sync.Mutex

	highCapacity bool
}

// InitializeSDCard performs the SPI-mode handshake and returns an operable
// card: idle clocks, CMD0 until idle, CMD8 voltage check, ACMD41 until
// ready, CMD58 for the capacity class, and CMD16 for byte-addressed cards.
func InitializeSDCard(bus SPIBus) (sd *SDCard, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	sd = &SDCard{
		bus: bus,
	}

	// At least 74 clocks with the card deselected so it enters SPI mode.
	sd.clock(10)

	sd.goIdle()

	version2 := sd.checkVoltage()

	sd.waitReady(version2)

	if version2 == true {
		sd.readCapacityClass()
	}

	if sd.highCapacity != true {
		// Byte-addressed cards power up with an unspecified block length.
		err = sd.withBus(func() error {
			r1 := sd.command(sdCommandSetBlockLength, SectorSize)
			if r1 != 0 {
				return log.Errorf("block-length command rejected: (0x%02x)", r1)
			}

			return nil
		})

		log.PanicIf(err)
	}

	return sd, nil
}

func (sd *SDCard) goIdle() {
	sawResponse := false

	for i := 0; i < sdPresenceAttempts; i++ {
		var r1 byte

		err := sd.withBus(func() error {
			r1 = sd.command(sdCommandGoIdleState, 0)
			return nil
		})

		log.PanicIf(err)

		if r1 != 0xff {
			sawResponse = true
		}

		if r1 == sdR1Idle {
			return
		}

		time.Sleep(sdBackoffFloor)
	}

	if sawResponse != true {
		log.Panic(ErrDeviceNotPresent)
	}

	log.Panic(ErrDeviceInitFailed)
}

// checkVoltage issues CMD8. Version-2 cards echo the check pattern; legacy
// cards report an illegal command and are allowed through.
func (sd *SDCard) checkVoltage() (version2 bool) {
	var r1 byte
	var tail [4]byte

	err := sd.withBus(func() error {
		r1 = sd.command(sdCommandSendIfCond, sdIfCondArgument)

		if r1&sdR1IllegalCommand == 0 {
			sd.read(tail[:])
		}

		return nil
	})

	log.PanicIf(err)

	if r1&sdR1IllegalCommand > 0 {
		return false
	}

	if r1 != sdR1Idle {
		log.Panic(ErrDeviceInitFailed)
	}

	echoed := uint32(tail[2])<<8 | uint32(tail[3])
	if echoed&0xfff != sdIfCondArgument {
		log.Panic(ErrDeviceInitFailed)
	}

	return true
}

func (sd *SDCard) waitReady(version2 bool) {
	argument := uint32(0)
	if version2 == true {
		argument = sdOpCondHcsBit
	}

	var collected *multierror.Error
	backoff := sdBackoffFloor

	for i := 0; i < sdInitAttempts; i++ {
		var r1 byte

		err := sd.withBus(func() error {
			if inner := sd.command(sdCommandAppCommand, 0); inner > sdR1Idle {
				return log.Errorf("app-command prefix rejected: (0x%02x)", inner)
			}

			r1 = sd.command(sdAppCommandSendOpCond, argument)

			return nil
		})

		if err != nil {
			collected = multierror.Append(collected, err)
		} else if r1 == 0 {
			return
		}

		time.Sleep(backoff)

		backoff *= 2
		if backoff > sdBackoffCeiling {
			backoff = sdBackoffCeiling
		}
	}

	if collected != nil {
		sdLogger.Warningf(nil, "Card never became ready: %s", collected.Error())
	}

	log.Panic(ErrDeviceInitFailed)
}

func (sd *SDCard) readCapacityClass() {
	var r1 byte
	var ocr [4]byte

	err := sd.withBus(func() error {
		r1 = sd.command(sdCommandReadOcr, 0)

		if r1 == 0 {
			sd.read(ocr[:])
		}

		return nil
	})

	log.PanicIf(err)

	if r1 != 0 {
		log.Panic(ErrDeviceInitFailed)
	}

	sd.highCapacity = ocr[0]&sdOcrCcsBit > 0
}

// ReadSector issues CMD17 for the given sector and fills the caller's
// buffer, verifying the data CRC. Transient failures are retried with
// doubling backoff before ErrReadFailed surfaces.
func (sd *SDCard) ReadSector(sectorIndex uint32, buffer []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(buffer) != SectorSize {
		log.Panicf("read buffer must hold exactly one sector: (%d)", len(buffer))
	}

	address := sectorIndex
	if sd.highCapacity != true {
		address = sectorIndex * SectorSize
	}

	var collected *multierror.Error
	backoff := sdBackoffFloor

	for i := 0; i < sdReadAttempts; i++ {
		err := sd.withBus(func() error {
			return sd.readBlock(address, buffer)
		})

		if err == nil {
			return nil
		}

		collected = multierror.Append(collected, err)

		time.Sleep(backoff)

		backoff *= 2
		if backoff > sdBackoffCeiling {
			backoff = sdBackoffCeiling
		}
	}

	sdLogger.Warningf(nil, "Sector (%d) could not be read: %s", sectorIndex, collected.Error())

	log.Panic(ErrReadFailed)
	return nil
}

// readBlock runs one CMD17 command/response cycle. Called with the bus
// held.
func (sd *SDCard) readBlock(address uint32, buffer []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	r1 := sd.command(sdCommandReadSingleBlock, address)
	if r1 != 0 {
		return log.Errorf("read command rejected: (0x%02x)", r1)
	}

	token := byte(0xff)
	for i := 0; i < sdDataTokenAttempts; i++ {
		token = sd.exchangeByte(0xff)
		if token != 0xff {
			break
		}
	}

	if token != sdDataStartToken {
		return log.Errorf("data token not received: (0x%02x)", token)
	}

	sd.read(buffer)

	var crcRaw [2]byte
	sd.read(crcRaw[:])

	expected := uint16(crcRaw[0])<<8 | uint16(crcRaw[1])
	if crc16(buffer) != expected {
		return log.Errorf("data CRC mismatch: (0x%04x) != (0x%04x)", crc16(buffer), expected)
	}

	return nil
}

// withBus runs one full command cycle under exclusive ownership of the bus:
// select, exchange, deselect, plus a trailing idle byte so the card
// releases the data line.
func (sd *SDCard) withBus(op func() error) (err error) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()

	sd.bus.Select()

	defer func() {
		sd.bus.Deselect()
		sd.clock(1)
	}()

	return op()
}

// command frames and sends one command and returns its R1 response. Called
// with the bus held.
func (sd *SDCard) command(index byte, argument uint32) (r1 byte) {
	frame := [6]byte{
		0x40 | index,
		byte(argument >> 24),
		byte(argument >> 16),
		byte(argument >> 8),
		byte(argument),
	}
	frame[5] = crc7(frame[:5])<<1 | 1

	sd.write(frame[:])

	// The response comes within eight byte times, flagged by a clear high
	// bit.
	for i := 0; i < sdResponseAttempts; i++ {
		r1 = sd.exchangeByte(0xff)
		if r1&0x80 == 0 {
			return r1
		}
	}

	return 0xff
}

func (sd *SDCard) clock(byteCount int) {
	idle := make([]byte, byteCount)
	for i := range idle {
		idle[i] = 0xff
	}

	scratch := make([]byte, byteCount)

	err := sd.bus.Exchange(idle, scratch)
	log.PanicIf(err)
}

func (sd *SDCard) write(data []byte) {
	scratch := make([]byte, len(data))

	err := sd.bus.Exchange(data, scratch)
	log.PanicIf(err)
}

func (sd *SDCard) read(data []byte) {
	idle := make([]byte, len(data))
	for i := range idle {
		idle[i] = 0xff
	}

	err := sd.bus.Exchange(idle, data)
	log.PanicIf(err)
}

func (sd *SDCard) exchangeByte(send byte) byte {
	var in, out [1]byte
	in[0] = send

	err := sd.bus.Exchange(in[:], out[:])
	log.PanicIf(err)

	return out[0]
}

// crc7 is the command-frame checksum (polynomial x^7 + x^3 + 1).
func crc7(data []byte) byte {
	crc := byte(0)

	for _, b := range data {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (b<<i)&0x80^(crc&0x80) != 0 {
				crc ^= 0x09
			}
		}
	}

	return crc & 0x7f
}

// crc16 is the CCITT data checksum (polynomial x^16 + x^12 + x^5 + 1,
// zero-initialized) appended to every data block.
func crc16(data []byte) uint16 {
	crc := uint16(0)

	for _, b := range data {
		crc ^= uint16(b) << 8

		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}
