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

// Package localengine is an in-process mesh engine.
//
// It exists so the library can run and be tested without the externally
// supplied networking engine: nodes rendezvous through a process-wide
// registry and carry data over host loopback TCP. It implements no mesh
// protocol, no encryption and no NAT traversal. Import it for its side
// effect of registering the "local" engine:
//
//	import _ "github.com/weftnet/weftnet-go/localengine"
package localengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/weftnet/weftnet-go/engine"
	"github.com/weftnet/weftnet-go/internal/nodekey"
)

func init() {
	engine.Register("local", &localEngine{})
}

// ErrUnsupportedNetwork is returned for networks other than tcp.
var ErrUnsupportedNetwork = errors.New("localengine: only tcp is supported")

type localEngine struct{}

func (*localEngine) NewNode(cfg *engine.Config) (engine.Node, error) {
	var key *nodekey.Key
	var err error
	if cfg.StateDir != "" {
		key, err = nodekey.Load(cfg.StateDir)
	} else {
		key, err = nodekey.Generate()
	}
	if err != nil {
		return nil, err
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "weftnet-" + key.ShortString()
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	n := &node{
		hostname:  hostname,
		logf:      logf,
		mesh:      meshFor(cfg.ControlURL),
		key:       key,
		ip4:       key.IPv4(),
		ip6:       key.IPv6(),
		listeners: make(map[uint16]*listener),
	}
	return n, nil
}

type node struct {
	hostname string
	logf     engine.Logf
	mesh     *mesh
	key      *nodekey.Key
	ip4, ip6 netip.Addr

	mu        sync.Mutex
	name      string // assigned on join, may differ from hostname
	joined    bool
	closed    bool
	listeners map[uint16]*listener
}

var errClosed = errors.New("localengine: node is closed")

// join is idempotent. The local mesh has no control plane to wait on, so
// joining is synchronous and cheap; Up, Listen and Dial all funnel here.
func (n *node) join() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errClosed
	}
	if n.joined {
		return nil
	}
	n.name = n.mesh.join(n)
	n.joined = true
	n.logf("localengine: %s up as %s (%s, %s)", n.hostname, n.name, n.ip4, n.ip6)
	return nil
}

func (n *node) Up(ctx context.Context) (*engine.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.join(); err != nil {
		return nil, err
	}
	return n.Status(), nil
}

func (n *node) Status() *engine.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := &engine.Status{Name: n.name, Running: n.joined && !n.closed}
	if st.Running {
		st.IPv4 = n.ip4
		st.IPv6 = n.ip6
	}
	return st
}

func (n *node) Listen(network, addr string) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%w (got %q)", ErrUnsupportedNetwork, network)
	}
	if err := n.join(); err != nil {
		return nil, err
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("localengine: listen address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("localengine: listen address %q: %w", addr, err)
	}

	backing, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		backing.Close()
		return nil, errClosed
	}
	if port == 0 {
		// Advertise the kernel-picked port.
		port = uint64(backing.Addr().(*net.TCPAddr).Port)
	}
	if _, taken := n.listeners[uint16(port)]; taken {
		backing.Close()
		return nil, fmt.Errorf("localengine: port %d already in use on node %s", port, n.name)
	}
	ln := &listener{
		node: n,
		real: backing,
		addr: meshAddr{netip.AddrPortFrom(n.ip4, uint16(port))},
		port: uint16(port),
	}
	n.listeners[uint16(port)] = ln
	return ln, nil
}

// realAddrFor returns the loopback address backing the given advertised port.
func (n *node) realAddrFor(port uint16) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ln, ok := n.listeners[port]
	if !ok {
		return "", false
	}
	return ln.real.Addr().String(), true
}

func (n *node) removeListener(port uint16) {
	n.mu.Lock()
	delete(n.listeners, port)
	n.mu.Unlock()
}

func (n *node) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%w (got %q)", ErrUnsupportedNetwork, network)
	}
	if err := n.join(); err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("localengine: dial address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("localengine: dial address %q: %w", addr, err)
	}
	peer, ok := n.mesh.lookup(host)
	if !ok {
		return nil, fmt.Errorf("localengine: no such node %q", host)
	}
	realAddr, ok := peer.realAddrFor(uint16(port))
	if !ok {
		return nil, fmt.Errorf("localengine: %s is not listening on port %d", host, port)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", realAddr)
	if err != nil {
		return nil, err
	}
	localPort := uint16(conn.LocalAddr().(*net.TCPAddr).Port)
	if err := writePreamble(conn, netip.AddrPortFrom(n.ip4, localPort)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localengine: send preamble: %w", err)
	}
	return &meshConn{
		Conn:   conn,
		local:  meshAddr{netip.AddrPortFrom(n.ip4, localPort)},
		remote: meshAddr{netip.AddrPortFrom(peer.ip4, uint16(port))},
	}, nil
}

func (n *node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	joined := n.joined
	lns := make([]*listener, 0, len(n.listeners))
	for _, ln := range n.listeners {
		lns = append(lns, ln)
	}
	n.listeners = make(map[uint16]*listener)
	n.mu.Unlock()

	for _, ln := range lns {
		ln.real.Close()
	}
	if joined {
		n.mesh.leave(n)
	}
	n.logf("localengine: %s down", n.hostname)
	return nil
}

// listener accepts loopback connections and strips the dialer preamble
// before handing them out.
type listener struct {
	node *node
	real net.Listener
	addr meshAddr
	port uint16

	closeOnce sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.real.Accept()
		if err != nil {
			return nil, err
		}
		peer, err := readPreamble(conn)
		if err != nil {
			// A connection that never completes the preamble is not a
			// mesh peer; drop it and keep accepting.
			conn.Close()
			l.node.logf("localengine: dropped connection without preamble: %v", err)
			continue
		}
		return &meshConn{
			Conn:   conn,
			local:  l.addr,
			remote: meshAddr{peer},
		}, nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		l.node.removeListener(l.port)
	})
	return l.real.Close()
}

func (l *listener) Addr() net.Addr { return l.addr }
