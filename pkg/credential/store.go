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

package credential

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/hashengine"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/mask"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

// Element is the secure element surface used here. *atecc.Conn
// implements it.
type Element interface {
	hashengine.Executor
	Random(ctx context.Context) ([]byte, error)
	Nonce(ctx context.Context, mode uint8, data []byte) ([]byte, error)
	GenKey(ctx context.Context, mode, slot uint8) ([]byte, error)
	Sign(ctx context.Context, mode, slot uint8) ([]byte, error)
	Counter(ctx context.Context, mode uint8, id uint16) (uint32, error)
}

// Memory reads the device constant. *eeprom.Store implements it.
type Memory interface {
	Read(addr uint16, p []byte) error
}

// Store runs credential operations. Calls are serialized by the
// underlying connection; the handle-then-sign sequence is the caller's.
type Store struct {
	el     Element
	masks  *mask.Engine
	mem    Memory
	logger *logging.Logger
}

// New returns a Store. A nil logger discards output.
func New(el Element, masks *mask.Engine, mem Memory, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{el: el, masks: masks, mem: mem, logger: logger}
}

func checkAppID(appID []byte) error {
	if len(appID) != AppIDSize {
		return fmt.Errorf("%w: application id is %d bytes", ErrInput, len(appID))
	}
	return nil
}

// privateKey derives the read-masked 36 byte padded private key.
func (s *Store) privateKey(ctx context.Context, seed, appID []byte) ([]byte, error) {
	sum, err := hashengine.HMAC(ctx, s.el, atecc.SlotDeviceKey, appID, seed)
	if err != nil {
		return nil, err
	}
	defer clear(sum)
	key := make([]byte, atecc.PrivWriteKeySize)
	copy(key[4:], sum)
	if err := s.masks.Apply(mask.Read, key[4:]); err != nil {
		clear(key)
		return nil, err
	}
	return key, nil
}

// wrap derives the key for seed and appID and writes it into the
// temporary slot.
func (s *Store) wrap(ctx context.Context, seed, appID []byte) error {
	key, err := s.privateKey(ctx, seed, appID)
	if err != nil {
		return fmt.Errorf("%w: derive: %w", ErrWrap, err)
	}
	defer clear(key)
	mac, err := s.masks.KeyHash(ctx, key, atecc.SlotTemp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrap, err)
	}
	if err := s.masks.PrivWrite(ctx, atecc.SlotTemp, key, mac); err != nil {
		return fmt.Errorf("%w: %w", ErrWrap, err)
	}
	return nil
}

// tag computes HMAC(device key, seed ‖ constant ‖ appID).
func (s *Store) tag(ctx context.Context, seed, appID []byte) ([]byte, error) {
	constant := make([]byte, eeprom.ConstSize)
	defer clear(constant)
	if err := s.mem.Read(eeprom.AddrConst, constant); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTag, err)
	}
	sum, err := hashengine.HMAC(ctx, s.el, atecc.SlotDeviceKey, seed, constant, appID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTag, err)
	}
	return sum, nil
}

// NewKeypair creates a credential for appID and returns its handle and
// the 64 byte X‖Y public key. The private key is left loaded in the
// temporary slot.
func (s *Store) NewKeypair(ctx context.Context, appID []byte) (h Handle, pub []byte, err error) {
	defer func(start time.Time) {
		metrics.Observe(metrics.OpNewKeypair, start, err)
		if err != nil {
			metrics.RecordError(metrics.OpNewKeypair, fmt.Sprint(Code(err)))
		}
	}(time.Now())

	if err := checkAppID(appID); err != nil {
		return h, nil, err
	}
	r, err := s.el.Random(ctx)
	if err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrRNG, err)
	}
	seed := r[:SeedSize]

	if err := s.wrap(ctx, seed, appID); err != nil {
		return h, nil, err
	}
	pub, err = s.el.GenKey(ctx, atecc.GenKeyPublic, atecc.SlotTemp)
	if err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrGenKey, err)
	}
	tag, err := s.tag(ctx, seed, appID)
	if err != nil {
		return h, nil, err
	}
	copy(h[:SeedSize], seed)
	copy(h[SeedSize:], tag)
	s.logger.Debug("created credential")
	return h, pub, nil
}

// LoadKey rederives the private key of h for appID into the temporary
// slot. It must precede a credential signature.
func (s *Store) LoadKey(ctx context.Context, h Handle, appID []byte) (err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpLoadKey, start, err) }(time.Now())

	if err := checkAppID(appID); err != nil {
		return err
	}
	return s.wrap(ctx, h.Seed(), appID)
}

// AppIDEqual reports whether h was created for appID. The tag comparison
// is constant time.
func (s *Store) AppIDEqual(ctx context.Context, h Handle, appID []byte) (ok bool, err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpAppIDCheck, start, err) }(time.Now())

	if err := checkAppID(appID); err != nil {
		return false, err
	}
	tag, err := s.tag(ctx, h.Seed(), appID)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(tag, h.Tag()) == 1, nil
}

func (t Target) slot() uint8 {
	if t == TargetAttestation {
		return atecc.SlotAttestation
	}
	return atecc.SlotTemp
}

// Sign signs the digest currently held in TempKey and returns R‖S.
func (s *Store) Sign(ctx context.Context, target Target) (sig []byte, err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpSign, start, err) }(time.Now())

	sig, err = s.el.Sign(ctx, atecc.SignExternal, target.slot())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSign, err)
	}
	return sig, nil
}

// SignDigest loads a 32 byte digest into TempKey and signs it.
func (s *Store) SignDigest(ctx context.Context, target Target, digest []byte) ([]byte, error) {
	if len(digest) != atecc.DigestSize {
		return nil, fmt.Errorf("%w: digest is %d bytes", ErrInput, len(digest))
	}
	if _, err := s.el.Nonce(ctx, atecc.NoncePassThrough, digest); err != nil {
		return nil, fmt.Errorf("%w: load digest: %w", ErrSign, err)
	}
	return s.Sign(ctx, target)
}

// SignMessage hashes parts on the device, leaving the digest in TempKey,
// and signs it. It returns the digest and the signature.
func (s *Store) SignMessage(ctx context.Context, target Target, parts ...[]byte) (digest, sig []byte, err error) {
	digest, err = hashengine.Sum(ctx, s.el, parts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: digest: %w", ErrSign, err)
	}
	sig, err = s.Sign(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	return digest, sig, nil
}

// Count increments the global use counter and returns its new value.
func (s *Store) Count(ctx context.Context) (n uint32, err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpCounter, start, err) }(time.Now())

	n, err = s.el.Counter(ctx, atecc.CounterIncrement, 0)
	if err != nil {
		return 0, fmt.Errorf("credential: counter: %w", err)
	}
	return n, nil
}
