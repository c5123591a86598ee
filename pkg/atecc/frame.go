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

import (
	"encoding/binary"
	"fmt"
)

// Command is a single secure element instruction.
type Command struct {
	Opcode uint8
	Param1 uint8
	Param2 uint16
	Data   []byte
}

// Size returns the length byte of the encoded frame.
func (c Command) Size() int {
	return CommandOverhead + len(c.Data)
}

// Encode returns [len][op][p1][p2 lo][p2 hi][data][crc lo][crc hi].
// The bus word address is not included.
func (c Command) Encode() ([]byte, error) {
	size := c.Size()
	if size > MaxTransaction {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	b := make([]byte, 0, size)
	b = append(b, uint8(size), c.Opcode, c.Param1)
	b = binary.LittleEndian.AppendUint16(b, c.Param2)
	b = append(b, c.Data...)
	return AppendCRC(b), nil
}

// DecodeCommand parses an encoded frame, verifying its length byte and CRC.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) < CommandOverhead {
		return Command{}, ErrBadLength
	}
	if int(frame[0]) != len(frame) {
		return Command{}, fmt.Errorf("%w: declared %d, got %d", ErrBadLength, frame[0], len(frame))
	}
	if !CheckCRC(frame) {
		return Command{}, ErrCRC
	}
	data := make([]byte, len(frame)-CommandOverhead)
	copy(data, frame[5:len(frame)-2])
	return Command{
		Opcode: frame[1],
		Param1: frame[2],
		Param2: binary.LittleEndian.Uint16(frame[3:5]),
		Data:   data,
	}, nil
}

// ValidateResponse checks a received frame. buf is the receive buffer and
// n the number of bytes the bus delivered. The declared length must lie in
// [MinResponse, len(buf)] and not exceed n, the CRC must match, and a four
// byte frame must carry a zero status. On success the returned view
// excludes the length byte and CRC.
func ValidateResponse(buf []byte, n int) ([]byte, error) {
	if n < 1 || len(buf) < 1 {
		return nil, fmt.Errorf("%w: empty response", ErrBadLength)
	}
	length := int(buf[0])
	if length < MinResponse || length > len(buf) {
		return nil, fmt.Errorf("%w: declared %d", ErrBadLength, length)
	}
	if length > n {
		return nil, fmt.Errorf("%w: declared %d, received %d", ErrTruncated, length, n)
	}
	if !CheckCRC(buf[:length]) {
		return nil, ErrCRC
	}
	if length == MinResponse && buf[1] != StatusSuccess {
		return nil, &DeviceError{Status: buf[1]}
	}
	return buf[1 : length-2], nil
}

// EncodeResponse frames data as a device response.
func EncodeResponse(data []byte) []byte {
	b := make([]byte, 0, len(data)+ResponseOverhead)
	b = append(b, uint8(len(data)+ResponseOverhead))
	b = append(b, data...)
	return AppendCRC(b)
}

// StatusResponse frames a single status byte.
func StatusResponse(status uint8) []byte {
	return EncodeResponse([]byte{status})
}
