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
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/credential"
	"github.com/jeremyhahn/go-u2fzero/pkg/provision"
)

var (
	attestationKeyFile string
	attestationOutFile string
	destroyBootloader  bool
	lockCRC            string
)

// provisionCmd runs the factory sequence
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Configure, lock and key a factory-fresh secure element",
	Long: `Run the factory sequence: program the slot and key policies, lock the
configuration and data zones, generate the write and read masks, load the
batch attestation key and generate the device key.

The attestation key is read from --attestation-key, or generated and
written to --attestation-out. Its public key is printed as PEM.`,
	Run: func(cmd *cobra.Command, args []string) {
		key, err := attestationKey()
		if err != nil {
			handleError(err)
			return
		}
		withStack(func(s *Stack, p *Printer) error {
			r, err := runProvision(cmd.Context(), s, key)
			if err != nil {
				return err
			}
			if destroyBootloader {
				if err := s.Provisioner.DestroyBootloader(); err != nil {
					return err
				}
			}
			return p.PrintFields(
				Field{"Serial prefix", r.prefix},
				Field{"Config CRC", fmt.Sprintf("%04x", r.crc)},
				Field{"Device key", r.deviceKey == provision.DeviceKeyOK},
				Field{"Bootloader destroyed", destroyBootloader},
				Field{"Attestation public key", r.attestationPEM},
			)
		})
	},
}

// lockCmd locks the configuration and data zones
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Program the slot policies and lock both zones",
	Long: `Program the slot and key policies and lock the configuration zone
against its CRC, then lock the data zone. Zones already locked are left
alone. The CRC is computed from the chip serial unless --crc is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			ctx := cmd.Context()
			crc, err := configCRC(ctx, s)
			if err != nil {
				return err
			}
			if err := s.Provisioner.Lock(ctx, crc); err != nil {
				return fmt.Errorf("lock failed (result %d): %w", provision.Status(err), err)
			}
			return p.PrintSuccess(fmt.Sprintf("zones locked (crc %04x)", crc))
		})
	},
}

// testConfigCmd compares and dumps the configuration zone
var testConfigCmd = &cobra.Command{
	Use:   "test-config",
	Short: "Compare the configuration zone with the expected policies",
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			ctx := cmd.Context()
			compare, err := s.Provisioner.TestConfig(ctx)
			if err != nil {
				return err
			}
			dump, err := s.Provisioner.DumpConfig(ctx)
			if err != nil {
				return err
			}
			return p.PrintConfigDump(dump, compare)
		})
	},
}

// fingerprintsCmd prints the slot write test fingerprints
var fingerprintsCmd = &cobra.Command{
	Use:   "fingerprints",
	Short: "Print a short HMAC fingerprint of every slot",
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			if s.Flags.Production {
				return fmt.Errorf("fingerprints are not available on production images")
			}
			return p.PrintFingerprints(s.Provisioner.Fingerprints(cmd.Context()))
		})
	},
}

func init() {
	provisionCmd.Flags().StringVar(&attestationKeyFile, "attestation-key", "",
		"PEM encoded P-256 attestation private key to load")
	provisionCmd.Flags().StringVar(&attestationOutFile, "attestation-out", "",
		"write a generated attestation private key to this file")
	provisionCmd.Flags().BoolVar(&destroyBootloader, "destroy-bootloader", false,
		"erase the bootloader pages after provisioning")
	lockCmd.Flags().StringVar(&lockCRC, "crc", "",
		"configuration zone CRC as hex (default computed from the serial)")
}

type provisionResult struct {
	prefix         []byte
	crc            uint16
	deviceKey      uint8
	attestationPEM string
}

// runProvision executes the factory sequence against s.
func runProvision(ctx context.Context, s *Stack, key *ecdsa.PrivateKey) (*provisionResult, error) {
	prefix, err := s.Provisioner.SerialPrefix(ctx)
	if err != nil {
		return nil, err
	}
	crc, err := provision.ExpectedCRC(prefix)
	if err != nil {
		return nil, err
	}
	printVerbose("locking with crc %04x", crc)
	if err := s.Provisioner.Lock(ctx, crc); err != nil {
		return nil, err
	}

	wmask, err := s.Provisioner.LoadWriteMask(ctx)
	if err != nil {
		return nil, err
	}
	clear(wmask)
	rmask, err := s.Provisioner.LoadReadMask(ctx)
	if err != nil {
		return nil, err
	}
	clear(rmask)

	priv, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("attestation key: %w", err)
	}
	scalar := priv.Bytes()
	defer clear(scalar)
	if err := s.Provisioner.LoadAttestationKey(ctx, scalar); err != nil {
		return nil, err
	}
	if err := verifyAttestation(ctx, s, key); err != nil {
		return nil, err
	}

	report, err := s.Provisioner.GenerateDeviceKey(ctx)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &provisionResult{
		prefix:         prefix,
		crc:            crc,
		deviceKey:      report.Status,
		attestationPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}, nil
}

// verifyAttestation checks that the attestation slot holds key.
func verifyAttestation(ctx context.Context, s *Stack, key *ecdsa.PrivateKey) error {
	pub, err := s.Conn.GenKey(ctx, atecc.GenKeyPublic, atecc.SlotAttestation)
	if err != nil {
		return fmt.Errorf("attestation public key: %w", err)
	}
	want, err := key.PublicKey.ECDH()
	if err != nil {
		return err
	}
	if !bytes.Equal(credential.MarshalPublicKey(pub), want.Bytes()) {
		return fmt.Errorf("attestation slot does not hold the loaded key")
	}
	return nil
}

// configCRC returns the --crc value or the CRC expected for this chip.
func configCRC(ctx context.Context, s *Stack) (uint16, error) {
	if lockCRC != "" {
		v, err := strconv.ParseUint(lockCRC, 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid crc %q: %w", lockCRC, err)
		}
		return uint16(v), nil
	}
	prefix, err := s.Provisioner.SerialPrefix(ctx)
	if err != nil {
		return 0, err
	}
	return provision.ExpectedCRC(prefix)
}

// attestationKey loads or generates the batch attestation key.
func attestationKey() (*ecdsa.PrivateKey, error) {
	if attestationKeyFile != "" {
		return readAttestationKey(attestationKeyFile)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate attestation key: %w", err)
	}
	if attestationOutFile != "" {
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, err
		}
		block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(attestationOutFile, block, 0600); err != nil {
			return nil, fmt.Errorf("write attestation key: %w", err)
		}
		printVerbose("attestation key written to %s", attestationOutFile)
	}
	return key, nil
}

// readAttestationKey parses a SEC1 or PKCS#8 P-256 private key.
func readAttestationKey(path string) (*ecdsa.PrivateKey, error) {
	// #nosec G304 - Key file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attestation key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("attestation key: no PEM block in %s", path)
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, perr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if perr != nil {
			return nil, fmt.Errorf("attestation key: %w", perr)
		}
		var ok bool
		if key, ok = parsed.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("attestation key is not an ECDSA key")
		}
	default:
		return nil, fmt.Errorf("attestation key: unexpected PEM type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("attestation key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("attestation key must be P-256")
	}
	return key, nil
}
