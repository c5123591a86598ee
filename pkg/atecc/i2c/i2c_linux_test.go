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

//go:build linux

package i2c

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
)

func TestOpenMissingAdapter(t *testing.T) {
	_, err := Open(&Config{Device: filepath.Join(t.TempDir(), "i2c-9")})
	assert.Error(t, err)
}

func TestMapErr(t *testing.T) {
	for _, errno := range []unix.Errno{unix.EREMOTEIO, unix.ENXIO, unix.EIO} {
		assert.ErrorIs(t, mapErr(errno), atecc.ErrNACK, errno.Error())
	}
	err := mapErr(unix.EBADF)
	require.Error(t, err)
	assert.NotErrorIs(t, err, atecc.ErrNACK)
}

var _ atecc.Bus = (*Bus)(nil)
