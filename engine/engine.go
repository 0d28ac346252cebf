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

// Package engine defines the boundary to the mesh-networking engine that
// backs a weftnet server.
//
// The engine owns everything hard: session establishment, encrypted
// tunneling, peer discovery and coordination with the control plane. This
// package only names the seam. Engines register themselves by name from
// their package init, in the manner of database/sql drivers, and are picked
// up by [github.com/weftnet/weftnet-go/weftnet.Server] at start time.
package engine

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
)

// ErrNoEngine is returned when a server starts and no engine with the
// requested name has been registered.
var ErrNoEngine = errors.New("engine: no engine registered")

// Logf is the logging sink handed to engines. A nil Logf discards output.
type Logf func(format string, args ...any)

// Config carries the node configuration a server hands to its engine.
// All fields are fixed for the lifetime of the node.
type Config struct {
	// Hostname is the name the node requests on the mesh.
	Hostname string
	// StateDir is where the engine persists node state. Empty means no
	// persistence; the node gets a fresh identity every run.
	StateDir string
	// AuthKey pre-authorizes the node with the control plane.
	AuthKey string
	// ControlURL selects the control plane. Engines define their default.
	ControlURL string
	// Ephemeral nodes are removed from the mesh when they disconnect.
	Ephemeral bool
	// Logf receives engine diagnostics. May be nil.
	Logf Logf
}

// Status describes a node's current relationship with the mesh.
type Status struct {
	// Running reports whether the node is up and has mesh addresses.
	Running bool `json:"running"`
	// Name is the node's name on the mesh.
	Name string `json:"name"`
	// IPv4 and IPv6 are the node's assigned mesh addresses. They are only
	// valid when Running is true.
	IPv4 netip.Addr `json:"ipv4"`
	IPv6 netip.Addr `json:"ipv6"`
}

// IPs returns the node's valid mesh addresses, IPv4 first.
func (s *Status) IPs() []netip.Addr {
	var ips []netip.Addr
	if s.IPv4.IsValid() {
		ips = append(ips, s.IPv4)
	}
	if s.IPv6.IsValid() {
		ips = append(ips, s.IPv6)
	}
	return ips
}

// Node is one live mesh node handle, created by an [Engine].
type Node interface {
	// Up blocks until the node is connected to the mesh and has addresses,
	// or ctx is done.
	Up(ctx context.Context) (*Status, error)
	// Status returns the current node status without blocking.
	Status() *Status
	// Listen announces on the mesh network. Listener addresses are mesh
	// addresses, not host addresses.
	Listen(network, addr string) (net.Listener, error)
	// Dial connects to addr on the mesh. The host part of addr may be a
	// node name or a mesh IP.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Close disconnects the node and releases its resources.
	Close() error
}

// Engine creates mesh nodes.
type Engine interface {
	NewNode(cfg *Config) (Node, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Engine)
)

// Register makes an engine available under the given name. It panics if
// called twice with the same name or with a nil engine.
func Register(name string, e Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if e == nil {
		panic("engine: Register engine is nil")
	}
	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for engine " + name)
	}
	registry[name] = e
}

// Get returns the engine registered under name. An empty name selects the
// sole registered engine, if there is exactly one.
func Get(name string) (Engine, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if name == "" {
		if len(registry) == 1 {
			for _, e := range registry {
				return e, nil
			}
		}
		return nil, ErrNoEngine
	}
	e, ok := registry[name]
	if !ok {
		return nil, ErrNoEngine
	}
	return e, nil
}

// Engines returns the sorted names of all registered engines.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
