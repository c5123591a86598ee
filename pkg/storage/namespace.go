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

package storage

import (
	"strings"
)

// Namespace prefixes every key of an underlying backend, letting the
// flash image and the simulated chip share one directory.
type Namespace struct {
	backend Backend
	prefix  string
}

// NewNamespace returns a view of backend rooted at prefix. A trailing
// slash is added when missing.
func NewNamespace(backend Backend, prefix string) *Namespace {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Namespace{backend: backend, prefix: prefix}
}

func (n *Namespace) key(k string) (string, error) {
	if k == "" {
		return "", ErrInvalidKey
	}
	return n.prefix + k, nil
}

// Get implements Backend.
func (n *Namespace) Get(key string) ([]byte, error) {
	k, err := n.key(key)
	if err != nil {
		return nil, err
	}
	return n.backend.Get(k)
}

// Put implements Backend.
func (n *Namespace) Put(key string, value []byte, opts *Options) error {
	k, err := n.key(key)
	if err != nil {
		return err
	}
	return n.backend.Put(k, value, opts)
}

// Delete implements Backend.
func (n *Namespace) Delete(key string) error {
	k, err := n.key(key)
	if err != nil {
		return err
	}
	return n.backend.Delete(k)
}

// List returns keys under the namespace with the prefix stripped.
func (n *Namespace) List(prefix string) ([]string, error) {
	keys, err := n.backend.List(n.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, n.prefix)
	}
	return keys, nil
}

// Exists implements Backend.
func (n *Namespace) Exists(key string) (bool, error) {
	k, err := n.key(key)
	if err != nil {
		return false, err
	}
	return n.backend.Exists(k)
}

// Close is a no-op; the owner of the underlying backend closes it.
func (n *Namespace) Close() error {
	return nil
}
