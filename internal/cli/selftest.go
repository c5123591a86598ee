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
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/credential"
)

// Presence flag of an authentication response.
const userPresent = 0x01

var selftestOrigin string

// selftestCmd runs a register and authenticate round trip
var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Register a credential and authenticate with it",
	Long: `Create a credential for an application id, sign the registration with
the attestation key, then rederive the credential from its handle and
sign an authentication. Every signature is verified on the host.

A simulated part that is not yet provisioned is provisioned first with
a throwaway attestation key.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			r, err := runSelftest(cmd.Context(), s, selftestOrigin)
			if err != nil {
				return err
			}
			return p.PrintFields(
				Field{"Application", selftestOrigin},
				Field{"Handle", r.handle[:]},
				Field{"Public key", credential.MarshalPublicKey(r.pub)},
				Field{"Counter", r.counter},
				Field{"Register", "ok"},
				Field{"Authenticate", "ok"},
			)
		})
	},
}

func init() {
	selftestCmd.Flags().StringVar(&selftestOrigin, "origin", "https://u2fzero.example",
		"application id origin")
}

type selftestResult struct {
	handle  credential.Handle
	pub     []byte
	counter uint32
}

// runSelftest registers and authenticates one credential for origin.
func runSelftest(ctx context.Context, s *Stack, origin string) (*selftestResult, error) {
	if err := ensureProvisioned(ctx, s); err != nil {
		return nil, err
	}
	appID := sha256.Sum256([]byte(origin))
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}

	// Register.
	handle, pub, err := s.Credentials.NewKeypair(ctx, appID[:])
	if err != nil {
		return nil, fmt.Errorf("register: %w (code %d)", err, credential.Code(err))
	}
	credKey, err := credential.PublicKey(pub)
	if err != nil {
		return nil, err
	}
	attPub, err := s.Conn.GenKey(ctx, atecc.GenKeyPublic, atecc.SlotAttestation)
	if err != nil {
		return nil, fmt.Errorf("attestation public key: %w", err)
	}
	attKey, err := credential.PublicKey(attPub)
	if err != nil {
		return nil, err
	}
	if err := signAndVerify(ctx, s, credential.TargetAttestation, attKey,
		[]byte{0x00}, appID[:], challenge, handle[:], credential.MarshalPublicKey(pub)); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	// Authenticate.
	other := sha256.Sum256([]byte(origin + "/other"))
	ok, err := s.Credentials.AppIDEqual(ctx, handle, other[:])
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if ok {
		return nil, fmt.Errorf("authenticate: handle accepted for a foreign application")
	}
	ok, err = s.Credentials.AppIDEqual(ctx, handle, appID[:])
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("authenticate: handle rejected for its application")
	}
	if err := s.Credentials.LoadKey(ctx, handle, appID[:]); err != nil {
		return nil, fmt.Errorf("authenticate: %w (code %d)", err, credential.Code(err))
	}
	n, err := s.Credentials.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	counter := binary.BigEndian.AppendUint32(nil, n)
	if err := signAndVerify(ctx, s, credential.TargetCredential, credKey,
		appID[:], []byte{userPresent}, counter, challenge); err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return &selftestResult{handle: handle, pub: pub, counter: n}, nil
}

// signAndVerify hashes parts on the device, signs the digest with target
// and verifies the DER signature against key.
func signAndVerify(ctx context.Context, s *Stack, target credential.Target, key *ecdsa.PublicKey, parts ...[]byte) error {
	digest, sig, err := s.Credentials.SignMessage(ctx, target, parts...)
	if err != nil {
		return err
	}
	want := sha256.Sum256(bytes.Join(parts, nil))
	if !bytes.Equal(digest, want[:]) {
		return errors.New("device digest does not match")
	}
	der, err := credential.SignatureDER(sig)
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(key, want[:], der) {
		return errors.New("signature does not verify")
	}
	return nil
}

// ensureProvisioned provisions a simulated part that has not been locked.
func ensureProvisioned(ctx context.Context, s *Stack) error {
	configLocked, dataLocked, err := s.Provisioner.Locked(ctx)
	if err != nil {
		return err
	}
	if configLocked && dataLocked {
		return nil
	}
	if s.Simulator == nil {
		return errors.New("secure element is not provisioned")
	}
	printVerbose("provisioning simulated part")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	_, err = runProvision(ctx, s, key)
	return err
}
