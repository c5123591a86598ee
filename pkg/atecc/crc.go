// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package atecc

const crcPolynomial uint16 = 0x8005

// CRC16 computes the bus checksum. Data bits are fed LSB first into a
// non-reflected register with polynomial 0x8005 and zero initial value.
// The result is transmitted little-endian.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		for shift := uint8(0x01); shift != 0; shift <<= 1 {
			dataBit := b&shift != 0
			crcBit := crc>>15 != 0
			crc <<= 1
			if dataBit != crcBit {
				crc ^= crcPolynomial
			}
		}
	}
	return crc
}

// AppendCRC appends the little-endian CRC of b to b.
func AppendCRC(b []byte) []byte {
	crc := CRC16(b)
	return append(b, byte(crc), byte(crc>>8))
}

// CheckCRC reports whether the last two bytes of frame are the CRC of the
// preceding bytes.
func CheckCRC(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	n := len(frame) - 2
	crc := CRC16(frame[:n])
	return frame[n] == byte(crc) && frame[n+1] == byte(crc>>8)
}
