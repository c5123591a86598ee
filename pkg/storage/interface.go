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

// Package storage persists the non-volatile images of the authenticator:
// microcontroller flash pages and the state of a simulated secure element.
// Backends are key-value stores; an in-memory and a file-based
// implementation are provided.
package storage

import (
	"io/fs"
)

// Backend is a key-value store. All implementations must be thread-safe.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value for the given key, replacing any previous value.
	Put(key string, value []byte, opts *Options) error

	// Delete removes the key. Returns ErrNotFound if it does not exist.
	Delete(key string) error

	// List returns the keys with the given prefix in sorted order.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Options contains optional parameters for Put.
type Options struct {
	// Permissions sets the file mode for file-based backends.
	Permissions fs.FileMode
}

// DefaultOptions returns owner read/write permissions. Images hold key
// material and are never group or world readable.
func DefaultOptions() *Options {
	return &Options{
		Permissions: 0600,
	}
}
