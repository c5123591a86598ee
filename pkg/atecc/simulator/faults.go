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

// FaultKind selects how a matching command misbehaves.
type FaultKind int

const (
	// FaultStatus answers with Fault.Status instead of executing.
	FaultStatus FaultKind = iota

	// FaultCorruptCRC executes the command and corrupts the response CRC.
	FaultCorruptCRC

	// FaultTruncate delivers only half of the response on the next read.
	FaultTruncate

	// FaultNACKWrite refuses the command frame on the bus.
	FaultNACKWrite

	// FaultBusy NACKs Fault.Count extra reads after the command.
	FaultBusy
)

// AnyOpcode matches every command.
const AnyOpcode uint8 = 0x00

// Fault is an injected misbehavior. Times is the number of commands it
// affects; zero or negative means one.
type Fault struct {
	Opcode uint8
	Kind   FaultKind
	Status uint8
	Count  int
	Times  int
}

// InjectFault queues f. Faults of the same kind fire in injection order.
func (d *Device) InjectFault(f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	d.faults = append(d.faults, &f)
}

// ClearFaults drops every pending fault.
func (d *Device) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = nil
}

// takeFault consumes one firing of the first fault of kind matching
// opcode. Caller holds d.mu.
func (d *Device) takeFault(opcode uint8, kind FaultKind) *Fault {
	for i, f := range d.faults {
		if f.Kind != kind || (f.Opcode != AnyOpcode && f.Opcode != opcode) {
			continue
		}
		f.Times--
		if f.Times == 0 {
			d.faults = append(d.faults[:i], d.faults[i+1:]...)
		}
		return f
	}
	return nil
}
