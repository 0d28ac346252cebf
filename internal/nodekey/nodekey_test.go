// Copyright 2025 The Weftnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodekey

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsUnique(t *testing.T) {
	k1, err := Generate()
	require.NoError(t, err)
	k2, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, k1.Public(), k2.Public())
	assert.NotEqual(t, k1.IPv4(), k2.IPv4())
	assert.NotEqual(t, k1.IPv6(), k2.IPv6())
}

func TestMeshAddressRanges(t *testing.T) {
	cgnat := netip.MustParsePrefix("100.64.0.0/10")
	ula := netip.MustParsePrefix("fd7a:6e74::/64")
	for i := 0; i < 32; i++ {
		k, err := Generate()
		require.NoError(t, err)
		assert.True(t, cgnat.Contains(k.IPv4()), "IPv4 %v outside 100.64.0.0/10", k.IPv4())
		assert.True(t, ula.Contains(k.IPv6()), "IPv6 %v outside fd7a:6e74::/64", k.IPv6())
	}
}

func TestAddressesAreDeterministic(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	assert.Equal(t, k.IPv4(), k.IPv4())
	assert.Equal(t, k.IPv6(), k.IPv6())
}

func TestLoadCreatesAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	k1, err := Load(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second load must return the same identity.
	k2, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, k1.Public(), k2.Public())
	assert.Equal(t, k1.IPv4(), k2.IPv4())
	assert.Equal(t, k1.IPv6(), k2.IPv6())
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFileName), []byte("gibberish"), 0o600))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsShortKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFileName), []byte(keyFilePrefix+"abcd"), 0o600))
	_, err := Load(dir)
	require.Error(t, err)
}
