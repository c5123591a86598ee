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

// Package features describes the capability set a device image is built
// with. Behavior that differs between factory, development and
// production images consults these flags instead of being compiled in or
// out.
package features

import "strings"

// Flags is the capability set.
type Flags struct {
	// Production redacts secrets from provisioning responses and removes
	// the non-production provisioning commands.
	Production bool `yaml:"production" json:"production"`

	// SetupMode accepts the provisioning command set.
	SetupMode bool `yaml:"setup_mode" json:"setup_mode"`

	// SecureStorage marks the persistent store as read-protected.
	SecureStorage bool `yaml:"secure_storage" json:"secure_storage"`

	// FakeTouch confirms user presence without a press.
	FakeTouch bool `yaml:"fake_touch" json:"fake_touch"`

	// WatchdogDisabled runs without the hardware watchdog.
	WatchdogDisabled bool `yaml:"watchdog_disabled" json:"watchdog_disabled"`

	// Passthrough exposes raw secure element commands to the host.
	Passthrough bool `yaml:"passthrough" json:"passthrough"`

	// Runtime custom commands.
	CustomRNG    bool `yaml:"custom_rng" json:"custom_rng"`
	CustomSeed   bool `yaml:"custom_seed" json:"custom_seed"`
	Wink         bool `yaml:"wink" json:"wink"`
	FactoryReset bool `yaml:"factory_reset" json:"factory_reset"`
	UpdateConfig bool `yaml:"update_config" json:"update_config"`
	Status       bool `yaml:"status" json:"status"`
}

// Production returns the flags of a field image.
func Production() Flags {
	return Flags{
		Production:    true,
		SecureStorage: true,
		CustomRNG:     true,
		CustomSeed:    true,
		Wink:          true,
		FactoryReset:  true,
		UpdateConfig:  true,
		Status:        true,
	}
}

// Factory returns the flags of the provisioning image.
func Factory() Flags {
	f := Production()
	f.SetupMode = true
	return f
}

// Development returns the flags of a bench image. It never passes the
// sanity check.
func Development() Flags {
	return Flags{
		SetupMode:     true,
		SecureStorage: true,
		FakeTouch:     true,
		Passthrough:   true,
		CustomRNG:     true,
		CustomSeed:    true,
		Wink:          true,
		FactoryReset:  true,
		UpdateConfig:  true,
		Status:        true,
	}
}

// Preset returns the named preset: production, factory or development.
func Preset(name string) (Flags, bool) {
	switch strings.ToLower(name) {
	case "production", "":
		return Production(), true
	case "factory":
		return Factory(), true
	case "development", "dev":
		return Development(), true
	}
	return Flags{}, false
}

// Debug reports whether any bypass used on the bench is enabled.
func (f Flags) Debug() bool {
	return f.FakeTouch || f.WatchdogDisabled || f.SetupMode || f.Passthrough
}
