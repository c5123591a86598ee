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

package provision

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

// MessageSize is the size of a configuration message in either direction:
// one command byte followed by the payload.
const MessageSize = 64

// PayloadSize is the payload part of a configuration message.
const PayloadSize = MessageSize - 1

// Configuration message commands.
const (
	CmdGetSerial         uint8 = 0x80
	CmdIsBuild           uint8 = 0x81
	CmdIsConfigured      uint8 = 0x82
	CmdLock              uint8 = 0x83
	CmdLoadTransportKey  uint8 = 0x85
	CmdLoadWriteKey      uint8 = 0x86
	CmdLoadAttestKey     uint8 = 0x87
	CmdDestroyBootloader uint8 = 0x89
	CmdPassthrough       uint8 = 0x8a
	CmdLoadReadKey       uint8 = 0x8b
	CmdGenDeviceKey      uint8 = 0x8c
	CmdFingerprints      uint8 = 0x8d
	CmdTestConfig        uint8 = 0x8e
	CmdGetConstants      uint8 = 0x8f
)

// Result codes reported in the first payload byte.
const (
	ResultOther    uint8 = 0
	ResultSuccess  uint8 = 1
	ResultLock     uint8 = 2
	ResultDataLock uint8 = 3
	ResultWrite    uint8 = 4
)

// passthroughError is reported when the command could not be executed
// and the device returned no status.
const passthroughError uint8 = 0xFF

// Status maps a provisioning error to its result code.
func Status(err error) uint8 {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrConfigWrite), errors.Is(err, ErrConfigMismatch):
		return ResultWrite
	case errors.Is(err, ErrLock):
		return ResultLock
	case errors.Is(err, ErrDataLock):
		return ResultDataLock
	default:
		return ResultOther
	}
}

// IsCommand reports whether cmd is a configuration message command.
func IsCommand(cmd uint8) bool {
	return cmd >= CmdGetSerial && cmd <= CmdGetConstants
}

// Handle answers one configuration message. The response echoes the
// command byte; unknown or empty messages answer with a zero payload.
// The response is always filled in, with the result code reporting a
// failure; err carries its cause.
func (p *Provisioner) Handle(ctx context.Context, msg []byte) ([]byte, error) {
	out := make([]byte, MessageSize)
	if len(msg) == 0 {
		return out, nil
	}
	out[0] = msg[0]
	in := make([]byte, PayloadSize)
	copy(in, msg[1:])

	start := time.Now()
	err := p.dispatch(ctx, msg[0], in, out[1:])
	metrics.Observe(metrics.OpProvision, start, err)
	if err != nil {
		p.logger.Warn("configuration command failed", "cmd", msg[0], "error", err)
	}
	return out, err
}

func (p *Provisioner) dispatch(ctx context.Context, cmd uint8, in, out []byte) error {
	p.logger.Debug("configuration command", "cmd", cmd)
	switch cmd {
	case CmdGetSerial:
		prefix, err := p.SerialPrefix(ctx)
		if err != nil {
			return err
		}
		out[0] = SerialPrefixSize
		copy(out[1:], prefix)

	case CmdIsBuild, CmdIsConfigured:
		out[0] = 1

	case CmdLock:
		err := p.Lock(ctx, binary.BigEndian.Uint16(in[0:2]))
		out[0] = Status(err)
		return err

	case CmdLoadTransportKey:
		p.logger.Debug("transport key command is deprecated")

	case CmdLoadWriteKey:
		return p.loadMask(ctx, p.LoadWriteMask, out)

	case CmdLoadReadKey:
		return p.loadMask(ctx, p.LoadReadMask, out)

	case CmdLoadAttestKey:
		if err := p.LoadAttestationKey(ctx, in[:32]); err != nil {
			return err
		}
		out[0] = 1

	case CmdDestroyBootloader:
		if err := p.DestroyBootloader(); err != nil {
			return err
		}
		out[0] = 1

	case CmdPassthrough:
		if !p.flags.Passthrough {
			return nil
		}
		return p.passthrough(ctx, in, out)

	case CmdGenDeviceKey:
		r, err := p.GenerateDeviceKey(ctx)
		out[0] = r.Status
		copy(out[1:17], r.Key)
		copy(out[17:33], r.TestHMAC)
		copy(out[33:49], r.Constant)
		return err

	case CmdFingerprints:
		if p.flags.Production {
			return nil
		}
		out[0] = 1
		for i, fp := range p.Fingerprints(ctx) {
			copy(out[1+i*FingerprintSize:], fp[:])
		}

	case CmdTestConfig:
		if p.flags.Production {
			return nil
		}
		zone, err := p.el.ReadConfigZone(ctx)
		if err != nil {
			out[0] = CompareInvalid
			return err
		}
		out[0] = Compare(zone)
		n := copy(out[1:], zone[atecc.ConfigSlotConfigBase:atecc.ConfigSlotConfigBase+32])
		copy(out[1+n:], zone[atecc.ConfigKeyConfigBase:atecc.ConfigKeyConfigBase+32])

	case CmdGetConstants:
		if p.flags.Production {
			return nil
		}
		c, err := p.Constants()
		if err != nil {
			return err
		}
		out[0] = 1
		for i := range c {
			copy(out[1+i*reportPrefix:], c[i][:])
		}

	default:
		p.logger.Debug("unknown configuration command", "cmd", cmd)
	}
	return nil
}

// loadMask rotates a mask and reports it. The mask itself is only
// echoed on non-production images.
func (p *Provisioner) loadMask(ctx context.Context, rotate func(context.Context) ([]byte, error), out []byte) error {
	m, err := rotate(ctx)
	if err != nil {
		return err
	}
	defer clear(m)
	out[0] = 1
	if !p.flags.Production {
		copy(out[1:], m)
	}
	return nil
}

// passthrough decodes [opcode][p1][p2][len][data] and reports the
// device status followed by the response data.
func (p *Provisioner) passthrough(ctx context.Context, in, out []byte) error {
	n := int(in[3])
	if n > len(in)-4 {
		n = len(in) - 4
	}
	cmd := atecc.Command{
		Opcode: in[0],
		Param1: in[1],
		Param2: uint16(in[2]),
		Data:   append([]byte(nil), in[4:4+n]...),
	}
	resp, err := p.Passthrough(ctx, cmd)
	if err != nil {
		status, ok := atecc.Status(err)
		if !ok {
			status = passthroughError
		}
		out[0] = status
		return err
	}
	copy(out[1:], resp)
	return nil
}
