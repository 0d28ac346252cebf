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

// Package nodekey manages the node identity key and the mesh addresses
// derived from it.
package nodekey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

// keyFileName is the name of the key file inside the node's state directory.
const keyFileName = "weftnet.key"

// keyFilePrefix prefixes the hex private key in the key file, so the file is
// self-describing and future formats can be detected.
const keyFilePrefix = "privkey:"

// Key is a node identity: a curve25519 private key and the public key and
// mesh addresses derived from it.
type Key struct {
	priv [32]byte
	pub  [32]byte
}

// Generate creates a new random key that is not persisted anywhere.
func Generate() (*Key, error) {
	var k Key
	if _, err := rand.Read(k.priv[:]); err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	// Clamp per the curve25519 convention.
	k.priv[0] &= 248
	k.priv[31] &= 127
	k.priv[31] |= 64
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(k.pub[:], pub)
	return &k, nil
}

// Load reads the key from dir, generating and persisting a new one if the
// key file does not exist yet. The directory is created if needed.
func Load(dir string) (*Key, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, keyFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		k, err := Generate()
		if err != nil {
			return nil, err
		}
		content := keyFilePrefix + hex.EncodeToString(k.priv[:]) + "\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return parse(strings.TrimSpace(string(data)))
}

func parse(content string) (*Key, error) {
	hexKey, ok := strings.CutPrefix(content, keyFilePrefix)
	if !ok {
		return nil, fmt.Errorf("key file: unknown format")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("key file: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key file: got %d key bytes, want 32", len(raw))
	}
	var k Key
	copy(k.priv[:], raw)
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(k.pub[:], pub)
	return &k, nil
}

// Public returns the public half of the key.
func (k *Key) Public() [32]byte {
	return k.pub
}

// IPv4 returns the node's mesh IPv4 address, in 100.64.0.0/10. The address is
// a pure function of the public key, so a node keeps its address across
// restarts as long as it keeps its key.
func (k *Key) IPv4() netip.Addr {
	h := blake2s.Sum256(k.pub[:])
	// 22 host bits after the /10 prefix.
	b := [4]byte{100, 64 | h[0]&0x3f, h[1], h[2]}
	return netip.AddrFrom4(b)
}

// IPv6 returns the node's mesh IPv6 address, in fd7a:6e74::/64.
func (k *Key) IPv6() netip.Addr {
	h := blake2s.Sum256(k.pub[:])
	var b [16]byte
	b[0], b[1] = 0xfd, 0x7a
	b[2], b[3] = 0x6e, 0x74
	copy(b[8:], h[3:11])
	return netip.AddrFrom16(b)
}

// ShortString returns an abbreviated public key for logs.
func (k *Key) ShortString() string {
	return hex.EncodeToString(k.pub[:4])
}
