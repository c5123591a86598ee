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
	"context"
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via -ldflags)
var (
	Version   = "dev"     // Set via -ldflags "-X github.com/jeremyhahn/go-u2fzero/internal/cli.Version=x.y.z"
	GitCommit = "unknown" // Set via -ldflags "-X github.com/jeremyhahn/go-u2fzero/internal/cli.GitCommit=abc123"
	BuildDate = "unknown"
)

var versionDevice bool

// versionCmd prints the build and, with --device, the attached chip
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build and device version",
	Long: `Print the build version of the u2fzero tool. With --device the
configured secure element is opened and its serial, revision and zone
lock state are reported next to the build.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !versionDevice {
			if err := NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintFields(buildFields()...); err != nil {
				handleError(err)
			}
			return
		}
		withStack(func(s *Stack, p *Printer) error {
			fields, err := deviceFields(cmd.Context(), s)
			if err != nil {
				return err
			}
			return p.PrintFields(append(buildFields(), fields...)...)
		})
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionDevice, "device", false,
		"also report the secure element serial, revision and lock state")
}

func buildFields() []Field {
	return []Field{
		{"Version", Version},
		{"Git commit", GitCommit},
		{"Build date", BuildDate},
		{"Go version", runtime.Version()},
		{"Platform", runtime.GOOS + "/" + runtime.GOARCH},
	}
}

// deviceFields reads the chip identity without booting the core, so an
// unconfigured part reports its state instead of failing.
func deviceFields(ctx context.Context, s *Stack) ([]Field, error) {
	sn, err := s.Conn.ReadSerial(ctx)
	if err != nil {
		return nil, err
	}
	rev, err := s.Conn.Info(ctx)
	if err != nil {
		return nil, err
	}
	configLocked, dataLocked, err := s.Conn.LockState(ctx)
	if err != nil {
		return nil, err
	}
	return []Field{
		{"Bus", s.Config.Bus.Kind},
		{"Features", s.Config.Features.Preset},
		{"Serial", strings.ToUpper(hex.EncodeToString(sn))},
		{"Revision", rev},
		{"Config locked", configLocked},
		{"Data locked", dataLocked},
	}, nil
}
