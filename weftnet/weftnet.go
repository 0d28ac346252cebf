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

// Package weftnet lets a Go program join a mesh network as an embedded node.
//
// A [Server] wraps one node handle owned by the configured mesh engine (see
// [github.com/weftnet/weftnet-go/engine]). The package takes care of
// configuration marshaling, lifetime management of listeners and
// connections, and the loopback control surface; all mesh networking is
// delegated to the engine.
//
// Minimal use:
//
//	srv := &weftnet.Server{Hostname: "echo", Ephemeral: true}
//	defer srv.Close()
//	if _, err := srv.Up(ctx); err != nil {
//		log.Fatal(err)
//	}
//	ln, err := srv.Listen("tcp", ":1999")
package weftnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/weftnet/weftnet-go/engine"
	"github.com/weftnet/weftnet-go/internal/eventbus"
)

var (
	// ErrClosed is returned by operations on a closed server.
	ErrClosed = errors.New("weftnet: server is closed")
	// ErrNotRunning is returned when an operation needs the node to be up.
	ErrNotRunning = errors.New("weftnet: node is not up")
)

// Server is an embedded mesh node. The configuration fields must be set
// before the first call that starts the node (Start, Up, Listen, Dial,
// Loopback); they are ignored afterwards.
//
// The zero value is usable and joins with an engine-chosen hostname.
type Server struct {
	// Hostname is the name to request on the mesh. Optional.
	Hostname string
	// Dir is the state directory. Empty means no persisted state.
	Dir string
	// AuthKey pre-authorizes the node with the control plane. Optional.
	AuthKey string
	// ControlURL selects the control plane. Empty selects the engine default.
	ControlURL string
	// Ephemeral marks the node for removal from the mesh on disconnect.
	Ephemeral bool
	// Logf receives diagnostics from the server and its engine. Nil discards.
	Logf engine.Logf
	// Engine names the registered engine to use. Empty selects the sole
	// registered engine.
	Engine string

	startOnce sync.Once
	startErr  error

	mu        sync.Mutex
	node      engine.Node
	closed    bool
	bus       *eventbus.Bus
	listeners map[*trackedListener]struct{}
	conns     map[*trackedConn]struct{}
	loopback  *loopbackServer
}

// Start initializes the node and begins connecting it to the mesh. It does
// not wait for the node to come up; use [Server.Up] for that. Start is
// idempotent and is called implicitly by Up, Listen, Dial and Loopback.
func (s *Server) Start() error {
	s.startOnce.Do(s.doStart)
	return s.startErr
}

func (s *Server) doStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.startErr = ErrClosed
		return
	}
	eng, err := engine.Get(s.Engine)
	if err != nil {
		s.startErr = err
		return
	}
	node, err := eng.NewNode(&engine.Config{
		Hostname:   s.Hostname,
		StateDir:   s.Dir,
		AuthKey:    s.AuthKey,
		ControlURL: s.ControlURL,
		Ephemeral:  s.Ephemeral,
		Logf:       s.Logf,
	})
	if err != nil {
		s.startErr = fmt.Errorf("weftnet: start node: %w", err)
		return
	}
	s.node = node
	s.bus = eventbus.New()
	s.listeners = make(map[*trackedListener]struct{})
	s.conns = make(map[*trackedConn]struct{})
	s.bus.Publish(eventbus.Event{State: "starting", Detail: s.Hostname})
}

// Started reports whether the node has been started. The binding layers use
// it to reject configuration changes on a live server.
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node != nil || s.closed
}

// Up starts the node if needed and blocks until it is connected to the mesh
// or ctx is done.
func (s *Server) Up(ctx context.Context) (*engine.Status, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	st, err := s.node.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("weftnet: up: %w", err)
	}
	s.bus.Publish(eventbus.Event{State: "running", Detail: st.Name})
	return st, nil
}

// Status returns the node's status without blocking. Before Start it
// returns an empty, non-running status.
func (s *Server) Status() *engine.Status {
	s.mu.Lock()
	node := s.node
	s.mu.Unlock()
	if node == nil {
		return &engine.Status{}
	}
	return node.Status()
}

// IPs returns the node's mesh addresses, IPv4 first. The node must be up.
func (s *Server) IPs() ([]netip.Addr, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	st := s.node.Status()
	if !st.Running {
		return nil, ErrNotRunning
	}
	return st.IPs(), nil
}

// WatchBus subscribes to the server's state-change events.
func (s *Server) WatchBus() (<-chan eventbus.Event, func()) {
	if err := s.Start(); err != nil {
		ch := make(chan eventbus.Event)
		close(ch)
		return ch, func() {}
	}
	return s.bus.Subscribe()
}

// Listen announces on the mesh network. The listener and the connections it
// accepts are owned by the server: closing the server closes them.
func (s *Server) Listen(network, addr string) (net.Listener, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	ln, err := s.node.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("weftnet: listen %s %s: %w", network, addr, err)
	}
	tl := &trackedListener{Listener: ln, srv: s}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil, ErrClosed
	}
	s.listeners[tl] = struct{}{}
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{State: "listening", Detail: ln.Addr().String()})
	return tl, nil
}

// Dial connects to addr on the mesh. The host part of addr may be a node
// name or a mesh IP. The connection is owned by the server.
func (s *Server) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	conn, err := s.node.Dial(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("weftnet: dial %s %s: %w", network, addr, err)
	}
	return s.trackConn(conn)
}

func (s *Server) trackConn(conn net.Conn) (net.Conn, error) {
	tc := &trackedConn{Conn: conn, srv: s}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	s.conns[tc] = struct{}{}
	s.mu.Unlock()
	return tc, nil
}

// Close disconnects the node and closes every listener and connection the
// server owns, including the loopback listener. It is safe to call Close
// more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	node := s.node
	bus := s.bus
	lb := s.loopback
	lns := s.listeners
	conns := s.conns
	s.listeners = nil
	s.conns = nil
	s.loopback = nil
	s.mu.Unlock()

	if lb != nil {
		lb.close()
	}
	for tl := range lns {
		tl.Listener.Close()
	}
	for tc := range conns {
		tc.Conn.Close()
	}
	var err error
	if node != nil {
		err = node.Close()
	}
	if bus != nil {
		bus.Publish(eventbus.Event{State: "stopped"})
		bus.Close()
	}
	return err
}

func (s *Server) forgetListener(tl *trackedListener) {
	s.mu.Lock()
	delete(s.listeners, tl)
	s.mu.Unlock()
}

func (s *Server) forgetConn(tc *trackedConn) {
	s.mu.Lock()
	delete(s.conns, tc)
	s.mu.Unlock()
}

// trackedListener unregisters itself from the server on close and tracks
// accepted connections.
type trackedListener struct {
	net.Listener
	srv       *Server
	closeOnce sync.Once
}

func (tl *trackedListener) Accept() (net.Conn, error) {
	conn, err := tl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return tl.srv.trackConn(conn)
}

func (tl *trackedListener) Close() error {
	tl.closeOnce.Do(func() { tl.srv.forgetListener(tl) })
	return tl.Listener.Close()
}

// trackedConn unregisters itself from the server on close.
type trackedConn struct {
	net.Conn
	srv       *Server
	closeOnce sync.Once
}

func (tc *trackedConn) Close() error {
	tc.closeOnce.Do(func() { tc.srv.forgetConn(tc) })
	return tc.Conn.Close()
}
