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

package eeprom

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
)

// Store is page-addressed flash over a storage.Backend. A page missing
// from the backend reads as erased.
type Store struct {
	mu      sync.Mutex
	backend storage.Backend
}

// New returns a Store over backend.
func New(backend storage.Backend) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("eeprom: nil backend")
	}
	return &Store{backend: backend}, nil
}

func pageKey(page int) string {
	return fmt.Sprintf("page/%02d", page)
}

func (s *Store) loadPage(page int) ([]byte, error) {
	raw, err := s.backend.Get(pageKey(page))
	if errors.Is(err, storage.ErrNotFound) {
		buf := make([]byte, PageSize)
		for i := range buf {
			buf[i] = Erased
		}
		return buf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eeprom: load page %d: %w", page, err)
	}
	if len(raw) != PageSize {
		return nil, fmt.Errorf("eeprom: page %d image is %d bytes", page, len(raw))
	}
	return raw, nil
}

func (s *Store) storePage(page int, buf []byte) error {
	if err := s.backend.Put(pageKey(page), buf, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("eeprom: store page %d: %w", page, err)
	}
	return nil
}

// span calls fn for every page overlapped by [addr, addr+n). off is the
// offset within the page, pos the offset within the caller's buffer.
func span(addr uint16, n int, fn func(page, off, pos, count int) error) error {
	pos := 0
	for pos < n {
		a := int(addr) + pos
		page, off := a/PageSize, a%PageSize
		count := min(PageSize-off, n-pos)
		if err := fn(page, off, pos, count); err != nil {
			return err
		}
		pos += count
	}
	return nil
}

// Read fills p from flash at addr.
func (s *Store) Read(addr uint16, p []byte) error {
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return span(addr, len(p), func(page, off, pos, count int) error {
		buf, err := s.loadPage(page)
		if err != nil {
			return err
		}
		copy(p[pos:pos+count], buf[off:])
		return nil
	})
}

// Write programs p at addr. Programming can only clear bits; a write
// that would set a cleared bit fails with ErrNotErased and changes
// nothing.
func (s *Store) Write(addr uint16, p []byte) error {
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make(map[int][]byte)
	err := span(addr, len(p), func(page, off, pos, count int) error {
		buf, err := s.loadPage(page)
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			cur, next := buf[off+i], p[pos+i]
			if cur&next != next {
				return fmt.Errorf("%w: 0x%04x", ErrNotErased, int(addr)+pos+i)
			}
			buf[off+i] = next
		}
		pages[page] = buf
		return nil
	})
	if err != nil {
		return err
	}
	for page, buf := range pages {
		if err := s.storePage(page, buf); err != nil {
			return err
		}
	}
	return nil
}

// Erase sets the page containing addr to Erased.
func (s *Store) Erase(addr uint16) error {
	if err := checkRange(addr, 1); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = Erased
	}
	return s.storePage(PageOf(addr), buf)
}

// Replace erases the page holding addr and programs p there. p must fit
// in that page.
func (s *Store) Replace(addr uint16, p []byte) error {
	if int(addr)%PageSize+len(p) > PageSize {
		return fmt.Errorf("%w: %d bytes at 0x%04x cross a page", ErrOutOfRange, len(p), addr)
	}
	if err := s.Erase(addr); err != nil {
		return err
	}
	return s.Write(addr, p)
}

// Xor combines p with flash at addr in place: p[i] ^= flash[addr+i].
func (s *Store) Xor(addr uint16, p []byte) error {
	stored := make([]byte, len(p))
	defer clear(stored)
	if err := s.Read(addr, stored); err != nil {
		return err
	}
	for i := range p {
		p[i] ^= stored[i]
	}
	return nil
}

// IsErased reports whether n bytes at addr are all Erased.
func (s *Store) IsErased(addr uint16, n int) (bool, error) {
	buf := make([]byte, n)
	if err := s.Read(addr, buf); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != Erased {
			return false, nil
		}
	}
	return true, nil
}
