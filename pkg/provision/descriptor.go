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
	"fmt"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
)

// SlotConfig is the 16 bit access policy of a data slot.
type SlotConfig struct {
	ReadKey     uint8 `json:"read_key"`
	NoMAC       bool  `json:"no_mac"`
	LimitedUse  bool  `json:"limited_use"`
	EncRead     bool  `json:"enc_read"`
	Secret      bool  `json:"secret"`
	WriteKey    uint8 `json:"write_key"`
	WriteConfig uint8 `json:"write_config"`
}

// KeyConfig is the 16 bit key policy of a data slot.
type KeyConfig struct {
	Private          bool  `json:"private"`
	PubInfo          bool  `json:"pub_info"`
	KeyType          uint8 `json:"key_type"`
	Lockable         bool  `json:"lockable"`
	ReqRandom        bool  `json:"req_random"`
	ReqAuth          bool  `json:"req_auth"`
	AuthKey          uint8 `json:"auth_key"`
	IntrusionDisable bool  `json:"intrusion_disable"`
	RFU              bool  `json:"rfu"`
	X509ID           uint8 `json:"x509_id"`
}

// Key types.
const (
	KeyTypeP256 uint8 = 4
	KeyTypeData uint8 = 7
)

func bit(v bool, n uint) uint16 {
	if v {
		return 1 << n
	}
	return 0
}

// Uint16 returns the descriptor value.
func (s SlotConfig) Uint16() uint16 {
	return uint16(s.ReadKey&0x0F) |
		bit(s.NoMAC, 4) | bit(s.LimitedUse, 5) | bit(s.EncRead, 6) | bit(s.Secret, 7) |
		uint16(s.WriteKey&0x0F)<<8 | uint16(s.WriteConfig&0x0F)<<12
}

// Bytes returns the little-endian descriptor as stored in the zone.
func (s SlotConfig) Bytes() [2]byte {
	v := s.Uint16()
	return [2]byte{byte(v), byte(v >> 8)}
}

// ParseSlotConfig decodes a stored descriptor.
func ParseSlotConfig(b [2]byte) SlotConfig {
	v := uint16(b[0]) | uint16(b[1])<<8
	return SlotConfig{
		ReadKey:     uint8(v & 0x0F),
		NoMAC:       v&(1<<4) != 0,
		LimitedUse:  v&(1<<5) != 0,
		EncRead:     v&(1<<6) != 0,
		Secret:      v&(1<<7) != 0,
		WriteKey:    uint8(v>>8) & 0x0F,
		WriteConfig: uint8(v >> 12),
	}
}

// Uint16 returns the descriptor value.
func (k KeyConfig) Uint16() uint16 {
	return bit(k.Private, 0) | bit(k.PubInfo, 1) | uint16(k.KeyType&0x07)<<2 |
		bit(k.Lockable, 5) | bit(k.ReqRandom, 6) | bit(k.ReqAuth, 7) |
		uint16(k.AuthKey&0x0F)<<8 | bit(k.IntrusionDisable, 12) | bit(k.RFU, 13) |
		uint16(k.X509ID&0x03)<<14
}

// Bytes returns the little-endian descriptor as stored in the zone.
func (k KeyConfig) Bytes() [2]byte {
	v := k.Uint16()
	return [2]byte{byte(v), byte(v >> 8)}
}

// ParseKeyConfig decodes a stored descriptor.
func ParseKeyConfig(b [2]byte) KeyConfig {
	v := uint16(b[0]) | uint16(b[1])<<8
	return KeyConfig{
		Private:          v&(1<<0) != 0,
		PubInfo:          v&(1<<1) != 0,
		KeyType:          uint8(v>>2) & 0x07,
		Lockable:         v&(1<<5) != 0,
		ReqRandom:        v&(1<<6) != 0,
		ReqAuth:          v&(1<<7) != 0,
		AuthKey:          uint8(v>>8) & 0x0F,
		IntrusionDisable: v&(1<<12) != 0,
		RFU:              v&(1<<13) != 0,
		X509ID:           uint8(v >> 14),
	}
}

// Slot policies of the authenticator. Key slots accept encrypted
// writes only and never read out; slots 1 and 3 take the write key and
// its spare; 7 and 11 are HMAC keys readable only encrypted; slot 8 is
// clear storage.
var (
	keySlot     = SlotConfig{ReadKey: 3, Secret: true, WriteKey: 1, WriteConfig: 7}
	writeKey    = SlotConfig{ReadKey: 1, Secret: true, WriteKey: 1}
	spareKey    = SlotConfig{ReadKey: 1, Secret: true, EncRead: true, WriteKey: 1}
	hmacKey     = SlotConfig{ReadKey: 1, Secret: true, EncRead: true, WriteKey: 1, WriteConfig: 7}
	clearData   = SlotConfig{ReadKey: 1, WriteKey: 1}
	p256Private = KeyConfig{Private: true, PubInfo: true, KeyType: KeyTypeP256}
	p256Locked  = KeyConfig{Private: true, PubInfo: true, KeyType: KeyTypeP256, Lockable: true}
	dataKey     = KeyConfig{KeyType: KeyTypeData, Lockable: true}
)

// SlotConfigs is the compiled slot policy table.
var SlotConfigs = [atecc.NumSlots]SlotConfig{
	keySlot, writeKey, keySlot, spareKey, keySlot, keySlot, keySlot, hmacKey,
	clearData, keySlot, keySlot, hmacKey, keySlot, keySlot, keySlot, keySlot,
}

// KeyConfigs is the compiled key policy table.
var KeyConfigs = [atecc.NumSlots]KeyConfig{
	p256Private, dataKey, p256Private, dataKey, p256Private, dataKey, p256Private, dataKey,
	dataKey, dataKey, p256Private, dataKey, p256Private, dataKey, p256Private, p256Locked,
}

func table[T interface{ Bytes() [2]byte }](descs [atecc.NumSlots]T) []byte {
	out := make([]byte, 0, 2*atecc.NumSlots)
	for _, d := range descs {
		b := d.Bytes()
		out = append(out, b[:]...)
	}
	return out
}

// SlotConfigTable returns the 32 byte SlotConfig area.
func SlotConfigTable() []byte { return table(SlotConfigs) }

// KeyConfigTable returns the 32 byte KeyConfig area.
func KeyConfigTable() []byte { return table(KeyConfigs) }

// configTemplate is the zone of a reference part after SetupConfig.
// Bytes 0..14 are replaced by the target part's own values.
var configTemplate = func() [atecc.ConfigZoneSize]byte {
	z := [atecc.ConfigZoneSize]byte{
		0x01, 0x23, 0x6d, 0x10, 0x00, 0x00, 0x50, 0x00,
		0xd7, 0x2c, 0xa5, 0x71, 0xee, 0xc0, 0x85, 0x00,
		0xc0, 0x00, 0x55, 0x00,
	}
	copy(z[atecc.ConfigSlotConfigBase:], SlotConfigTable())
	copy(z[52:], []byte{
		0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0x00, 0x00, 0x55, 0x55, 0xff, 0xff, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	})
	copy(z[atecc.ConfigKeyConfigBase:], KeyConfigTable())
	return z
}()

// SerialPrefixSize is the number of leading zone bytes a part reports
// through the serial command.
const SerialPrefixSize = 15

// ExpectedZone returns the zone a part with the given leading bytes has
// once configured.
func ExpectedZone(prefix []byte) ([]byte, error) {
	if len(prefix) > SerialPrefixSize {
		return nil, fmt.Errorf("provision: serial prefix is %d bytes, max %d", len(prefix), SerialPrefixSize)
	}
	z := configTemplate
	copy(z[:], prefix)
	return z[:], nil
}

// ExpectedCRC returns the config lock CRC for a part with the given
// leading bytes.
func ExpectedCRC(prefix []byte) (uint16, error) {
	z, err := ExpectedZone(prefix)
	if err != nil {
		return 0, err
	}
	return atecc.CRC16(z), nil
}

// Compare results, as reported by the test-config command.
const (
	CompareOK           uint8 = 0
	CompareSlotMismatch uint8 = 1
	CompareKeyMismatch  uint8 = 2
	CompareInvalid      uint8 = 3
)

// Compare checks the descriptor areas of zone against the tables.
func Compare(zone []byte) uint8 {
	if len(zone) != atecc.ConfigZoneSize {
		return CompareInvalid
	}
	if string(zone[atecc.ConfigSlotConfigBase:atecc.ConfigSlotConfigBase+32]) != string(SlotConfigTable()) {
		return CompareSlotMismatch
	}
	if string(zone[atecc.ConfigKeyConfigBase:atecc.ConfigKeyConfigBase+32]) != string(KeyConfigTable()) {
		return CompareKeyMismatch
	}
	return CompareOK
}

// SlotDump is the decoded policy of one slot.
type SlotDump struct {
	Slot    int        `json:"slot"`
	Raw     string     `json:"raw"`
	Config  SlotConfig `json:"slot_config"`
	KeyRaw  string     `json:"key_raw"`
	KeyConf KeyConfig  `json:"key_config"`
}

// ConfigDump is a decoded configuration zone.
type ConfigDump struct {
	Zone         []byte     `json:"zone"`
	CRC          uint16     `json:"crc"`
	ConfigLocked bool       `json:"config_locked"`
	DataLocked   bool       `json:"data_locked"`
	Slots        []SlotDump `json:"slots"`
}

// DecodeZone decodes every descriptor of zone.
func DecodeZone(zone []byte) (*ConfigDump, error) {
	if len(zone) != atecc.ConfigZoneSize {
		return nil, fmt.Errorf("provision: zone is %d bytes", len(zone))
	}
	d := &ConfigDump{
		Zone:         append([]byte(nil), zone...),
		CRC:          atecc.CRC16(zone),
		ConfigLocked: zone[atecc.ConfigLockConfig] == 0,
		DataLocked:   zone[atecc.ConfigLockValue] == 0,
		Slots:        make([]SlotDump, atecc.NumSlots),
	}
	for i := range d.Slots {
		s := [2]byte(zone[atecc.ConfigSlotConfigBase+2*i:])
		k := [2]byte(zone[atecc.ConfigKeyConfigBase+2*i:])
		d.Slots[i] = SlotDump{
			Slot:    i,
			Raw:     fmt.Sprintf("%02x%02x", s[0], s[1]),
			Config:  ParseSlotConfig(s),
			KeyRaw:  fmt.Sprintf("%02x%02x", k[0], k[1]),
			KeyConf: ParseKeyConfig(k),
		}
	}
	return d, nil
}
