// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package localauth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureInitialized_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.env")
	a := New(path)
	require.NoError(t, a.EnsureInitialized())
	require.True(t, a.Validate(a.key))
	require.Len(t, a.key, keyLength)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureInitialized_LoadsExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.env")
	require.NoError(t, os.WriteFile(path, []byte(`API_KEY="aicp-fixed-value"`+"\n"), 0o600))

	a := New(path)
	require.NoError(t, a.EnsureInitialized())
	require.True(t, a.Validate("aicp-fixed-value"))
}

func TestEnsureInitialized_OnlyGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.env")
	a := New(path)
	require.NoError(t, a.EnsureInitialized())
	first := a.key
	require.NoError(t, a.EnsureInitialized())
	require.Equal(t, first, a.key)
}

func TestValidate_RejectsWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.env")
	a := New(path)
	require.NoError(t, a.EnsureInitialized())
	require.False(t, a.Validate("not-the-key"))
	require.False(t, a.Validate(""))
}

func TestMasked_HidesMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.env")
	a := New(path)
	require.NoError(t, a.EnsureInitialized())
	masked := a.Masked()
	require.Contains(t, masked, "*")
	require.True(t, len(masked) == len(a.key))
	require.Equal(t, a.key[len(a.key)-4:], masked[len(masked)-4:])
}
