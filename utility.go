package fat32

import (
	"time"
	"unicode/utf16"
)

// UnicodeFromUcs2 returns a string from raw UCS-2 code-units, such as the
// name fragments carried by long-filename records. Conversion stops at the
// first NUL terminator; the 0xffff values that pad a record after the
// terminator are never valid name characters and also stop the conversion.
func UnicodeFromUcs2(units []uint16) string {
	end := len(units)
	for i, unit := range units {
		if unit == 0 || unit == 0xffff {
			end = i
			break
		}
	}

	runes := utf16.Decode(units[:end])

	return string(runes)
}

// ShortNameChecksum returns the checksum that ties long-filename records to
// their 8.3 record: a rotate-right-and-add over the eleven raw name bytes.
func ShortNameChecksum(shortNameRaw [11]byte) byte {
	sum := byte(0)
	for _, c := range shortNameRaw {
		sum = (sum&1)<<7 + sum>>1 + c
	}

	return sum
}

// DosTimestamp converts the packed date/time words found in directory
// records to a Time. The date word counts years from 1980; the time word
// has two-second resolution, refined by the optional tenths byte (actually
// hundredths of a second, zero through 199).
func DosTimestamp(dateRaw, timeRaw uint16, tenthsRaw uint8) time.Time {
	year := int(dateRaw>>9) + 1980
	month := time.Month(dateRaw >> 5 & 0xf)
	day := int(dateRaw & 0x1f)

	hour := int(timeRaw >> 11)
	minute := int(timeRaw >> 5 & 0x3f)
	second := int(timeRaw&0x1f) * 2

	second += int(tenthsRaw) / 100
	nanosecond := int(tenthsRaw) % 100 * 10000000

	return time.Date(year, month, day, hour, minute, second, nanosecond, time.Local)
}
