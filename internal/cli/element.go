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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-u2fzero/pkg/custom"
	"github.com/jeremyhahn/go-u2fzero/pkg/device"
	"github.com/jeremyhahn/go-u2fzero/pkg/presence"
)

// serialCmd prints the chip identity
var serialCmd = &cobra.Command{
	Use:   "serial",
	Short: "Show the secure element serial number and lock state",
	Long: `Boot the authenticator core, which stores the chip serial in flash on
first use, and print the serial number, revision and zone lock state.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			ctx := cmd.Context()
			if err := s.Core.Start(ctx); err != nil {
				return err
			}
			sn, err := s.Conn.ReadSerial(ctx)
			if err != nil {
				return err
			}
			rev, err := s.Conn.Info(ctx)
			if err != nil {
				return err
			}
			configLocked, dataLocked, err := s.Conn.LockState(ctx)
			if err != nil {
				return err
			}
			return p.PrintFields(
				Field{"Serial", strings.ToUpper(hex.EncodeToString(sn))},
				Field{"Revision", rev},
				Field{"USB serial", s.Core.Serial()},
				Field{"Config locked", configLocked},
				Field{"Data locked", dataLocked},
			)
		})
	},
}

// sanityCmd runs the invariant checker
var sanityCmd = &cobra.Command{
	Use:   "sanity",
	Short: "Check flash constants and capability flags",
	Long: `Verify that the masks and device constant are present in flash and
that the selected capability preset is fit for release.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			r, err := s.Sanity()
			if err != nil {
				return err
			}
			return p.PrintSanity(r)
		})
	},
}

// statusCmd issues the vendor status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the device status report",
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			reply, err := vendor(s, cmd, custom.CmdStatus, nil)
			if err != nil {
				return err
			}
			b := reply.Payload
			if len(b) < 9 {
				return fmt.Errorf("short status reply: %d bytes", len(b))
			}
			return p.PrintFields(
				Field{"Sanity passed", b[0] == 1},
				Field{"Presence", presence.State(b[1]).String()},
				Field{"Sanity bits", fmt.Sprintf("0x%02x", b[2])},
				Field{"Consumed", b[3] == 1},
				Field{"Blinking", b[4] == 1},
				Field{"Clear period", fmt.Sprintf("%dms", int(b[5])*100)},
				Field{"Init period", fmt.Sprintf("%dms", int(b[6])*100)},
				Field{"Touch", binary.BigEndian.Uint16(b[7:9])},
			)
		})
	},
}

var rngCount int

// rngCmd reads the secure element RNG
var rngCmd = &cobra.Command{
	Use:   "rng",
	Short: "Read random bytes from the secure element",
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			var out []byte
			for i := 0; i < rngCount; i++ {
				reply, err := vendor(s, cmd, custom.CmdRNG, nil)
				if err != nil {
					return err
				}
				if len(reply.Payload) == 0 {
					return fmt.Errorf("secure element rng failed")
				}
				out = append(out, reply.Payload...)
			}
			return p.PrintFields(Field{"Random", out})
		})
	},
}

// seedCmd mixes host entropy into the secure element RNG
var seedCmd = &cobra.Command{
	Use:   "seed <hex>",
	Short: "Mix 20 bytes of host entropy into the secure element RNG",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		seed, err := hex.DecodeString(args[0])
		if err != nil || len(seed) != custom.SeedSize {
			handleError(fmt.Errorf("seed must be %d hex encoded bytes", custom.SeedSize))
			return
		}
		withStack(func(s *Stack, p *Printer) error {
			reply, err := vendor(s, cmd, custom.CmdSeed, seed)
			if err != nil {
				return err
			}
			if len(reply.Payload) == 0 || reply.Payload[0] != 1 {
				return fmt.Errorf("secure element rejected the seed")
			}
			return p.PrintSuccess("RNG seeded")
		})
	},
}

// counterCmd increments the global use counter
var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Increment and print the authentication counter",
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			n, err := s.Credentials.Count(cmd.Context())
			if err != nil {
				return err
			}
			return p.PrintFields(Field{"Counter", n})
		})
	},
}

func init() {
	rngCmd.Flags().IntVarP(&rngCount, "count", "n", 1, "number of 32 byte blocks")
}

// vendor sends one vendor command through the authenticator core.
func vendor(s *Stack, cmd *cobra.Command, code uint8, payload []byte) (*device.Reply, error) {
	printVerbose("vendor command 0x%02x", code)
	reply, err := s.Core.Handle(cmd.Context(), device.Message{Cmd: code, Payload: payload})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("command 0x%02x produced no reply", code)
	}
	return reply, nil
}
