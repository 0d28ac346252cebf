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

package localengine

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// A mesh is one in-process rendezvous domain. Nodes created with the same
// control URL land on the same mesh and can reach each other; nodes on
// different meshes cannot, mirroring separate control planes.
type mesh struct {
	mu     sync.Mutex
	byName map[string]*node
	byAddr map[netip.Addr]*node
}

var (
	meshesMu sync.Mutex
	meshes   = make(map[string]*mesh)
)

func meshFor(controlURL string) *mesh {
	if controlURL == "" {
		controlURL = "local://default"
	}
	meshesMu.Lock()
	defer meshesMu.Unlock()
	m, ok := meshes[controlURL]
	if !ok {
		m = &mesh{
			byName: make(map[string]*node),
			byAddr: make(map[netip.Addr]*node),
		}
		meshes[controlURL] = m
	}
	return m
}

// join registers n, disambiguating its name if taken ("host", "host-1", ...).
// It returns the name the node ended up with.
func (m *mesh) join(n *node) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := strings.ToLower(n.hostname)
	name := base
	for i := 1; ; i++ {
		if _, taken := m.byName[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	m.byName[name] = n
	m.byAddr[n.ip4] = n
	m.byAddr[n.ip6] = n
	return name
}

func (m *mesh) leave(n *node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, n.name)
	delete(m.byAddr, n.ip4)
	delete(m.byAddr, n.ip6)
}

// lookup resolves a mesh host, which may be a node name or a mesh IP.
func (m *mesh) lookup(host string) (*node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ip, err := netip.ParseAddr(host); err == nil {
		n, ok := m.byAddr[ip.Unmap()]
		return n, ok
	}
	n, ok := m.byName[strings.ToLower(host)]
	return n, ok
}

// meshAddr is a mesh address/port pair presented as a net.Addr.
type meshAddr struct {
	ap netip.AddrPort
}

func (a meshAddr) Network() string { return "tcp" }
func (a meshAddr) String() string  { return a.ap.String() }

// The dialing side sends an 18-byte preamble before any payload: its mesh
// address (16-byte form, IPv4 as v4-mapped) and source port. The accepting
// side uses it to report the true peer address instead of 127.0.0.1.
const preambleLen = 18

func writePreamble(w io.Writer, ap netip.AddrPort) error {
	var buf [preambleLen]byte
	a16 := ap.Addr().As16()
	copy(buf[:16], a16[:])
	binary.BigEndian.PutUint16(buf[16:], ap.Port())
	_, err := w.Write(buf[:])
	return err
}

func readPreamble(r io.Reader) (netip.AddrPort, error) {
	var buf [preambleLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return netip.AddrPort{}, err
	}
	addr := netip.AddrFrom16([16]byte(buf[:16])).Unmap()
	port := binary.BigEndian.Uint16(buf[16:])
	return netip.AddrPortFrom(addr, port), nil
}

// meshConn rewrites a loopback TCP connection's addresses to mesh addresses.
type meshConn struct {
	net.Conn
	local  meshAddr
	remote meshAddr
}

func (c *meshConn) LocalAddr() net.Addr  { return c.local }
func (c *meshConn) RemoteAddr() net.Addr { return c.remote }
