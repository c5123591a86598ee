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

package simulator

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"math/big"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
)

const counterMax = 2097151

func status(s uint8) []byte {
	return atecc.StatusResponse(s)
}

func success() []byte {
	return status(atecc.StatusSuccess)
}

// execute runs cmd and returns the framed response. Caller holds d.mu.
func (d *Device) execute(cmd atecc.Command) []byte {
	switch cmd.Opcode {
	case atecc.OpInfo:
		return atecc.EncodeResponse([]byte{0x00, 0x00, 0x50, 0x00})
	case atecc.OpRandom:
		return d.execRandom()
	case atecc.OpNonce:
		return d.execNonce(cmd)
	case atecc.OpGenDig:
		return d.execGenDig(cmd)
	case atecc.OpSHA:
		return d.execSHA(cmd)
	case atecc.OpRead:
		return d.execRead(cmd)
	case atecc.OpWrite:
		return d.execWrite(cmd)
	case atecc.OpPrivWrite:
		return d.execPrivWrite(cmd)
	case atecc.OpLock:
		return d.execLock(cmd)
	case atecc.OpGenKey:
		return d.execGenKey(cmd)
	case atecc.OpSign:
		return d.execSign(cmd)
	case atecc.OpCounter:
		return d.execCounter(cmd)
	default:
		return status(atecc.StatusParse)
	}
}

func (d *Device) execRandom() []byte {
	out := make([]byte, atecc.RandomSize)
	if !d.configLocked() {
		// Unlocked parts return a fixed test pattern.
		for i := range out {
			if i%4 < 2 {
				out[i] = 0xFF
			}
		}
		return atecc.EncodeResponse(out)
	}
	if err := d.random(out); err != nil {
		return status(atecc.StatusExecution)
	}
	return atecc.EncodeResponse(out)
}

func (d *Device) execNonce(cmd atecc.Command) []byte {
	mode := cmd.Param1 & 0x03
	switch mode {
	case atecc.NoncePassThrough:
		if len(cmd.Data) != 32 {
			return status(atecc.StatusParse)
		}
		d.setTempKey(cmd.Data, -1)
		return success()
	case atecc.NonceRandom, 0x01:
		if len(cmd.Data) != atecc.SeedInputSize {
			return status(atecc.StatusParse)
		}
		r := make([]byte, atecc.RandomSize)
		if err := d.random(r); err != nil {
			return status(atecc.StatusExecution)
		}
		h := sha256.New()
		h.Write(r)
		h.Write(cmd.Data)
		h.Write([]byte{atecc.OpNonce, cmd.Param1, 0x00})
		d.setTempKey(h.Sum(nil), -1)
		return atecc.EncodeResponse(r)
	default:
		return status(atecc.StatusParse)
	}
}

// macHeader is opcode ‖ p1 ‖ p2 ‖ SN[8] ‖ SN[0:2].
func macHeader(cmd atecc.Command) []byte {
	b := []byte{cmd.Opcode, cmd.Param1}
	b = binary.LittleEndian.AppendUint16(b, cmd.Param2)
	return append(b, atecc.SN8, atecc.SN0, atecc.SN1)
}

func digest(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func (d *Device) execGenDig(cmd atecc.Command) []byte {
	if cmd.Param1 != atecc.ZoneData || cmd.Param2 >= atecc.NumSlots {
		return status(atecc.StatusParse)
	}
	if !d.tempValid {
		return status(atecc.StatusExecution)
	}
	slot := int(cmd.Param2)
	sum := digest(d.slots[slot][:32], macHeader(cmd), make([]byte, 25), d.tempKey[:])
	d.setTempKey(sum, slot)
	return success()
}

func (d *Device) execSHA(cmd atecc.Command) []byte {
	switch cmd.Param1 {
	case atecc.SHAStart:
		d.sha = sha256.New()
		d.shaHMAC = false
		return success()
	case atecc.SHAHMACStart:
		if cmd.Param2 >= atecc.NumSlots {
			return status(atecc.StatusParse)
		}
		d.sha = hmac.New(sha256.New, d.slots[cmd.Param2][:32])
		d.shaHMAC = true
		return success()
	case atecc.SHAUpdate:
		if d.sha == nil {
			return status(atecc.StatusExecution)
		}
		if len(cmd.Data) != 64 {
			return status(atecc.StatusParse)
		}
		d.sha.Write(cmd.Data)
		return success()
	case atecc.SHAEnd, atecc.SHAHMACEnd:
		if d.sha == nil || d.shaHMAC != (cmd.Param1 == atecc.SHAHMACEnd) {
			return status(atecc.StatusExecution)
		}
		if len(cmd.Data) >= 64 {
			return status(atecc.StatusParse)
		}
		d.sha.Write(cmd.Data)
		sum := d.sha.Sum(nil)
		d.sha = nil
		d.setTempKey(sum, -1)
		return atecc.EncodeResponse(sum)
	default:
		return status(atecc.StatusParse)
	}
}

// zoneOffset maps a Read/Write address to a byte offset within its zone
// or slot. It returns the slot for the data zone.
func zoneOffset(zone uint8, addr uint16, extended bool) (offset, slot int) {
	switch zone {
	case atecc.ZoneData:
		slot = int(addr>>3) & 0x0F
		offset = int(addr>>8)*atecc.BlockSize + int(addr&0x07)*atecc.WordSize
	default:
		if extended {
			offset = int(addr>>3) * atecc.BlockSize
		} else {
			offset = int(addr) * atecc.WordSize
		}
	}
	return offset, slot
}

func (d *Device) execRead(cmd atecc.Command) []byte {
	zone := cmd.Param1 & 0x03
	extended := cmd.Param1&atecc.ZoneExtended != 0
	size := atecc.WordSize
	if extended {
		size = atecc.BlockSize
	}
	offset, slot := zoneOffset(zone, cmd.Param2, extended)

	var src []byte
	switch zone {
	case atecc.ZoneConfig:
		src = d.config[:]
	case atecc.ZoneOTP:
		src = d.otp[:]
	case atecc.ZoneData:
		if !d.dataLocked() {
			return status(atecc.StatusExecution)
		}
		src = d.slots[slot]
	default:
		return status(atecc.StatusParse)
	}
	if offset+size > len(src) {
		return status(atecc.StatusParse)
	}
	out := make([]byte, size)
	copy(out, src[offset:])

	if zone == atecc.ZoneData {
		sc := d.slotConfig(slot)
		switch {
		case sc.encRead:
			if !extended || !d.tempValid || d.genDigSlot != int(sc.readKey) {
				return status(atecc.StatusExecution)
			}
			subtle.XORBytes(out, out, d.tempKey[:])
			d.invalidateTempKey()
		case sc.secret:
			return status(atecc.StatusExecution)
		}
	}
	return atecc.EncodeResponse(out)
}

func (d *Device) execWrite(cmd atecc.Command) []byte {
	zone := cmd.Param1 & 0x03
	extended := cmd.Param1&atecc.ZoneExtended != 0
	size := atecc.WordSize
	if extended {
		size = atecc.BlockSize
	}
	offset, slot := zoneOffset(zone, cmd.Param2, extended)

	switch zone {
	case atecc.ZoneConfig:
		if d.configLocked() {
			return status(atecc.StatusExecution)
		}
		if len(cmd.Data) != size || offset < 16 || offset+size > len(d.config) {
			return status(atecc.StatusParse)
		}
		var reserved [4]byte
		copy(reserved[:], d.config[84:88])
		copy(d.config[offset:], cmd.Data)
		copy(d.config[84:88], reserved[:])
		return success()
	case atecc.ZoneOTP:
		if d.dataLocked() {
			return status(atecc.StatusExecution)
		}
		if len(cmd.Data) != size || offset+size > len(d.otp) {
			return status(atecc.StatusParse)
		}
		copy(d.otp[offset:], cmd.Data)
		return success()
	case atecc.ZoneData:
	default:
		return status(atecc.StatusParse)
	}

	dst := d.slots[slot]
	if offset+size > len(dst) {
		return status(atecc.StatusParse)
	}
	if !d.dataLocked() {
		if len(cmd.Data) != size {
			return status(atecc.StatusParse)
		}
		copy(dst[offset:], cmd.Data)
		return success()
	}

	sc := d.slotConfig(slot)
	switch {
	case sc.writeEncrypted():
		if !extended || len(cmd.Data) != size+atecc.DigestSize {
			return status(atecc.StatusParse)
		}
		if !d.tempValid || d.genDigSlot != int(sc.writeKey) {
			return status(atecc.StatusExecution)
		}
		plain := make([]byte, size)
		subtle.XORBytes(plain, cmd.Data[:size], d.tempKey[:])
		mac := digest(d.tempKey[:], macHeader(cmd), make([]byte, 25), plain)
		d.invalidateTempKey()
		if !hmac.Equal(mac, cmd.Data[size:]) {
			return status(atecc.StatusMiscompare)
		}
		copy(dst[offset:], plain)
		return success()
	case sc.writeAlways():
		if len(cmd.Data) != size {
			return status(atecc.StatusParse)
		}
		copy(dst[offset:], cmd.Data)
		return success()
	default:
		return status(atecc.StatusExecution)
	}
}

func (d *Device) execPrivWrite(cmd atecc.Command) []byte {
	if cmd.Param2 >= atecc.NumSlots {
		return status(atecc.StatusParse)
	}
	slot := int(cmd.Param2)
	encrypted := cmd.Param1&atecc.PrivWriteEncrypted != 0
	if !d.keyIsPrivate(slot) || (d.dataLocked() && !encrypted) {
		return status(atecc.StatusExecution)
	}

	plain := make([]byte, atecc.PrivWriteKeySize)
	if !encrypted {
		if len(cmd.Data) != atecc.PrivWriteKeySize {
			return status(atecc.StatusParse)
		}
		copy(plain, cmd.Data)
	} else {
		if len(cmd.Data) != atecc.PrivWritePayloadSize {
			return status(atecc.StatusParse)
		}
		if !d.tempValid || d.genDigSlot != int(d.slotConfig(slot).writeKey) {
			return status(atecc.StatusExecution)
		}
		pad := digest(d.tempKey[:])
		subtle.XORBytes(plain[:32], cmd.Data[:32], d.tempKey[:])
		subtle.XORBytes(plain[32:], cmd.Data[32:36], pad[:4])
		mac := digest(d.tempKey[:], macHeader(cmd), make([]byte, 21), plain)
		d.invalidateTempKey()
		if !hmac.Equal(mac, cmd.Data[36:]) {
			return status(atecc.StatusMiscompare)
		}
	}
	copy(d.slots[slot], plain)
	return success()
}

func (d *Device) execLock(cmd atecc.Command) []byte {
	noCRC := cmd.Param1&atecc.LockNoCRC != 0
	switch cmd.Param1 & 0x03 {
	case atecc.LockConfig:
		if d.configLocked() {
			return status(atecc.StatusExecution)
		}
		if !noCRC && atecc.CRC16(d.config[:]) != cmd.Param2 {
			return status(atecc.StatusMiscompare)
		}
		d.config[atecc.ConfigLockConfig] = 0x00
	case atecc.LockDataOTP:
		if !d.configLocked() || d.dataLocked() {
			return status(atecc.StatusExecution)
		}
		if !noCRC {
			var all []byte
			for _, s := range d.slots {
				all = append(all, s...)
			}
			all = append(all, d.otp[:]...)
			if atecc.CRC16(all) != cmd.Param2 {
				return status(atecc.StatusMiscompare)
			}
		}
		d.config[atecc.ConfigLockValue] = 0x00
	default:
		return status(atecc.StatusParse)
	}
	return success()
}

// publicKey returns X‖Y of the P-256 key whose scalar is in slot.
func (d *Device) publicKey(slot int) ([]byte, bool) {
	k, err := ecdh.P256().NewPrivateKey(d.slots[slot][4:36])
	if err != nil {
		return nil, false
	}
	return k.PublicKey().Bytes()[1:], true
}

func (d *Device) execGenKey(cmd atecc.Command) []byte {
	if cmd.Param2 >= atecc.NumSlots {
		return status(atecc.StatusParse)
	}
	slot := int(cmd.Param2)
	if !d.keyIsPrivate(slot) {
		return status(atecc.StatusExecution)
	}
	switch cmd.Param1 {
	case atecc.GenKeyPrivate:
		scalar := make([]byte, 32)
		for {
			if err := d.random(scalar); err != nil {
				return status(atecc.StatusExecution)
			}
			if _, err := ecdh.P256().NewPrivateKey(scalar); err == nil {
				break
			}
		}
		clear(d.slots[slot][:4])
		copy(d.slots[slot][4:36], scalar)
		clear(scalar)
	case atecc.GenKeyPublic:
	default:
		return status(atecc.StatusParse)
	}
	pub, ok := d.publicKey(slot)
	if !ok {
		return status(atecc.StatusECCFault)
	}
	return atecc.EncodeResponse(pub)
}

func (d *Device) execSign(cmd atecc.Command) []byte {
	if cmd.Param1 != atecc.SignExternal || cmd.Param2 >= atecc.NumSlots {
		return status(atecc.StatusParse)
	}
	slot := int(cmd.Param2)
	if !d.keyIsPrivate(slot) || !d.tempValid {
		return status(atecc.StatusExecution)
	}
	pub, ok := d.publicKey(slot)
	if !ok {
		return status(atecc.StatusECCFault)
	}
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[:32]),
			Y:     new(big.Int).SetBytes(pub[32:]),
		},
		D: new(big.Int).SetBytes(d.slots[slot][4:36]),
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, d.tempKey[:])
	d.invalidateTempKey()
	if err != nil {
		return status(atecc.StatusECCFault)
	}
	sig := make([]byte, atecc.SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return atecc.EncodeResponse(sig)
}

func (d *Device) execCounter(cmd atecc.Command) []byte {
	if cmd.Param2 >= uint16(len(d.counters)) {
		return status(atecc.StatusParse)
	}
	c := &d.counters[cmd.Param2]
	switch cmd.Param1 {
	case atecc.CounterRead:
	case atecc.CounterIncrement:
		if *c >= counterMax {
			return status(atecc.StatusExecution)
		}
		*c++
	default:
		return status(atecc.StatusParse)
	}
	return atecc.EncodeResponse(binary.LittleEndian.AppendUint32(nil, *c))
}
