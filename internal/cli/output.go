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

package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/provision"
	"github.com/jeremyhahn/go-u2fzero/pkg/sanity"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Field is one labelled value of a text report.
type Field struct {
	Key   string
	Value any
}

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintFields prints labelled values in order. Byte slices are printed
// as hex.
func (p *Printer) PrintFields(fields ...Field) error {
	switch p.format {
	case OutputFormatJSON:
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			out[jsonKey(f.Key)] = jsonValue(f.Value)
		}
		return p.printJSON(out)
	case OutputFormatText:
		width := 0
		for _, f := range fields {
			width = max(width, len(f.Key))
		}
		for _, f := range fields {
			fmt.Fprintf(p.writer, "%-*s %v\n", width+1, f.Key+":", jsonValue(f.Value))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSanity prints an invariant check report
func (p *Printer) PrintSanity(r sanity.Report) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"passed": r.Passed(),
			"bits":   r.Bits(),
			"report": r,
		})
	case OutputFormatText:
		verdict := "FAIL"
		if r.Passed() {
			verdict = "PASS"
		}
		fmt.Fprintf(p.writer, "Sanity: %s (0x%02x)\n", verdict, r.Bits())
		fmt.Fprintf(p.writer, "  Constants filled:  %t\n", r.ConstantsFilled)
		fmt.Fprintf(p.writer, "  Secure storage:    %t\n", r.SecureStorage)
		fmt.Fprintf(p.writer, "  Fake touch:        %t\n", r.FakeTouch)
		fmt.Fprintf(p.writer, "  Watchdog disabled: %t\n", r.WatchdogDisabled)
		fmt.Fprintf(p.writer, "  Setup mode:        %t\n", r.SetupMode)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintConfigDump prints a decoded configuration zone
func (p *Printer) PrintConfigDump(d *provision.ConfigDump, compare uint8) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"compare": compare,
			"dump":    d,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Config locked: %t\n", d.ConfigLocked)
		fmt.Fprintf(p.writer, "Data locked:   %t\n", d.DataLocked)
		fmt.Fprintf(p.writer, "Zone CRC:      %04x\n", d.CRC)
		fmt.Fprintf(p.writer, "Compare:       %d\n", compare)
		fmt.Fprintf(p.writer, "%-5s %-6s %-6s %-7s %-6s %-8s %s\n",
			"SLOT", "RAW", "KEY", "SECRET", "WRITE", "PRIVATE", "TYPE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 50))
		for _, s := range d.Slots {
			fmt.Fprintf(p.writer, "%-5d %-6s %-6s %-7t %-6d %-8t %d\n",
				s.Slot, s.Raw, s.KeyRaw, s.Config.Secret, s.Config.WriteKey,
				s.KeyConf.Private, s.KeyConf.KeyType)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintFingerprints prints the per-slot write test fingerprints
func (p *Printer) PrintFingerprints(fps [atecc.NumSlots][provision.FingerprintSize]byte) error {
	switch p.format {
	case OutputFormatJSON:
		out := make([]string, len(fps))
		for i, fp := range fps {
			out[i] = hex.EncodeToString(fp[:])
		}
		return p.printJSON(map[string]any{"fingerprints": out})
	case OutputFormatText:
		for i, fp := range fps {
			fmt.Fprintf(p.writer, "slot %2d: %x\n", i, fp[:])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON prints data as indented JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func jsonKey(label string) string {
	return strings.ReplaceAll(strings.ToLower(label), " ", "_")
}

func jsonValue(v any) any {
	if b, ok := v.([]byte); ok {
		return hex.EncodeToString(b)
	}
	return v
}
