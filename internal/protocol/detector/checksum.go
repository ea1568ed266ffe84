package detector

import (
	"fmt"
	"strconv"
	"strings"
)

// Checksum computes the one byte frame trailer over a payload.
type Checksum func(payload []byte) byte

// Additive returns the sum of the payload bytes modulo 2^width (1-8 bits).
func Additive(width uint) Checksum {
	if width == 0 || width > 8 {
		width = 8
	}
	mask := byte(1<<width - 1)
	if width == 8 {
		mask = 0xFF
	}
	return func(payload []byte) byte {
		var sum byte
		for _, b := range payload {
			sum += b
		}
		return sum & mask
	}
}

// CRC8 returns an MSB-first CRC-8 with the given polynomial and zero init.
func CRC8(poly byte) Checksum {
	var table [256]byte
	for i := range table {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return func(payload []byte) byte {
		var crc byte
		for _, b := range payload {
			crc = table[crc^b]
		}
		return crc
	}
}

// ParseChecksum parses "sum", "sum7", "crc8" or "crc8:0x31".
func ParseChecksum(s string) (Checksum, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "sum":
		return Additive(8), nil
	case strings.HasPrefix(s, "sum"):
		w, err := strconv.ParseUint(s[3:], 10, 8)
		if err != nil || w == 0 || w > 8 {
			return nil, fmt.Errorf("invalid checksum width %q", s)
		}
		return Additive(uint(w)), nil
	case s == "crc8":
		return CRC8(0x07), nil
	case strings.HasPrefix(s, "crc8:"):
		poly, err := strconv.ParseUint(s[5:], 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid crc8 polynomial %q", s)
		}
		return CRC8(byte(poly)), nil
	default:
		return nil, fmt.Errorf("unknown checksum %q", s)
	}
}
