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

package atecc

import (
	"sync"
	"time"
)

// mockRead is one scripted bus read.
type mockRead struct {
	frame []byte
	n     int // bytes delivered; defaults to len(frame)
	err   error
}

// MockBus implements Bus for testing
type MockBus struct {
	mu         sync.Mutex
	writes     [][]byte
	wakes      int
	readCount  int
	reads      []mockRead
	fallback   mockRead // returned once reads is exhausted
	writeErrs  []error  // consumed per command write
	defaultErr error    // command write error once writeErrs is exhausted
}

func NewMockBus() *MockBus {
	return &MockBus{}
}

func (m *MockBus) QueueRead(frame []byte) *MockBus {
	m.reads = append(m.reads, mockRead{frame: frame})
	return m
}

func (m *MockBus) QueueReadError(err error) *MockBus {
	m.reads = append(m.reads, mockRead{err: err})
	return m
}

func (m *MockBus) QueueShortRead(frame []byte, n int) *MockBus {
	m.reads = append(m.reads, mockRead{frame: frame, n: n})
	return m
}

func (m *MockBus) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)

	if len(p) == 0 || p[0] != WordAddressCommand {
		return nil
	}
	if len(m.writeErrs) > 0 {
		err := m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
		return err
	}
	return m.defaultErr
}

func (m *MockBus) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCount++
	r := m.fallback
	if len(m.reads) > 0 {
		r = m.reads[0]
		m.reads = m.reads[1:]
	}
	if r.err != nil {
		return 0, r.err
	}
	n := copy(p, r.frame)
	if r.n > 0 && r.n < n {
		n = r.n
	}
	return n, nil
}

func (m *MockBus) Wake() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakes++
	return nil
}

// commandWrites returns writes that carried a command frame.
func (m *MockBus) commandWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, w := range m.writes {
		if len(w) > 0 && w[0] == WordAddressCommand {
			out = append(out, w)
		}
	}
	return out
}

func (m *MockBus) lastWrite() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return nil
	}
	return m.writes[len(m.writes)-1]
}

// sleepRecorder captures requested delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.delays {
		if v == d {
			n++
		}
	}
	return n
}
