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
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weftnet-go/engine"
)

// newTestNode creates a node on a mesh private to the test, so parallel
// tests cannot see each other through the process-global registry.
func newTestNode(t *testing.T, hostname string) engine.Node {
	t.Helper()
	eng, err := engine.Get("local")
	require.NoError(t, err)
	n, err := eng.NewNode(&engine.Config{
		Hostname:   hostname,
		ControlURL: "local://" + t.Name(),
		Logf:       t.Logf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestUpAssignsMeshAddresses(t *testing.T) {
	n := newTestNode(t, "alpha")

	st := n.Status()
	assert.False(t, st.Running, "node must not be running before Up")

	st, err := n.Up(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "alpha", st.Name)
	assert.True(t, netip.MustParsePrefix("100.64.0.0/10").Contains(st.IPv4))
	assert.True(t, netip.MustParsePrefix("fd7a:6e74::/64").Contains(st.IPv6))
}

func TestListenDialRoundtrip(t *testing.T) {
	server := newTestNode(t, "srv")
	client := newTestNode(t, "cli")

	ln, err := server.Listen("tcp", ":2000")
	require.NoError(t, err)
	defer ln.Close()

	serverStatus, err := server.Up(context.Background())
	require.NoError(t, err)
	clientStatus, err := client.Up(context.Background())
	require.NoError(t, err)

	type acceptResult struct {
		payload string
		peer    string
		err     error
	}
	got := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- acceptResult{err: err}
			return
		}
		defer conn.Close()
		buf, err := io.ReadAll(conn)
		got <- acceptResult{payload: string(buf), peer: conn.RemoteAddr().String(), err: err}
	}()

	conn, err := client.Dial(context.Background(), "tcp", "srv:2000")
	require.NoError(t, err)

	// The dialer sees the listener's mesh address.
	assert.Equal(t, netip.AddrPortFrom(serverStatus.IPv4, 2000).String(), conn.RemoteAddr().String())
	assert.Equal(t, clientStatus.IPv4.String(), conn.LocalAddr().(meshAddr).ap.Addr().String())

	_, err = conn.Write([]byte("hello mesh"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case res := <-got:
		require.NoError(t, res.err)
		assert.Equal(t, "hello mesh", res.payload)
		// The accept side sees the dialer's mesh address, not 127.0.0.1.
		peer, err := netip.ParseAddrPort(res.peer)
		require.NoError(t, err)
		assert.Equal(t, clientStatus.IPv4, peer.Addr())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}

func TestDialByMeshIP(t *testing.T) {
	server := newTestNode(t, "by-ip")
	client := newTestNode(t, "dialer")

	st, err := server.Up(context.Background())
	require.NoError(t, err)

	ln, err := server.Listen("tcp", ":80")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := client.Dial(context.Background(), "tcp", netip.AddrPortFrom(st.IPv4, 80).String())
	require.NoError(t, err)
	conn.Close()

	conn, err = client.Dial(context.Background(), "tcp", netip.AddrPortFrom(st.IPv6, 80).String())
	require.NoError(t, err)
	conn.Close()
}

func TestDialErrors(t *testing.T) {
	n := newTestNode(t, "lonely")
	peer := newTestNode(t, "peer")
	_, err := peer.Up(context.Background())
	require.NoError(t, err)

	_, err = n.Dial(context.Background(), "udp", "peer:53")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	_, err = n.Dial(context.Background(), "tcp", "nobody:80")
	assert.ErrorContains(t, err, "no such node")

	_, err = n.Dial(context.Background(), "tcp", "peer:4242")
	assert.ErrorContains(t, err, "not listening")

	_, err = n.Dial(context.Background(), "tcp", "peer")
	assert.Error(t, err, "address without port must be rejected")
}

func TestListenErrors(t *testing.T) {
	n := newTestNode(t, "listener")

	_, err := n.Listen("unix", "/tmp/sock")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	ln, err := n.Listen("tcp", ":7000")
	require.NoError(t, err)
	defer ln.Close()

	_, err = n.Listen("tcp", ":7000")
	assert.ErrorContains(t, err, "already in use")

	// Closing frees the port for reuse.
	require.NoError(t, ln.Close())
	ln2, err := n.Listen("tcp", ":7000")
	require.NoError(t, err)
	ln2.Close()
}

func TestListenPortZeroAdvertisesRealPort(t *testing.T) {
	n := newTestNode(t, "anyport")
	ln, err := n.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	ap, err := netip.ParseAddrPort(ln.Addr().String())
	require.NoError(t, err)
	assert.NotZero(t, ap.Port())
}

func TestHostnameCollisionGetsSuffix(t *testing.T) {
	first := newTestNode(t, "twin")
	second := newTestNode(t, "twin")

	st1, err := first.Up(context.Background())
	require.NoError(t, err)
	st2, err := second.Up(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "twin", st1.Name)
	assert.Equal(t, "twin-1", st2.Name)
}

func TestCloseLeavesMesh(t *testing.T) {
	server := newTestNode(t, "goner")
	client := newTestNode(t, "watcher")

	_, err := server.Up(context.Background())
	require.NoError(t, err)
	ln, err := server.Listen("tcp", ":9000")
	require.NoError(t, err)
	_ = ln

	require.NoError(t, server.Close())
	require.NoError(t, server.Close(), "Close must be idempotent")

	_, err = client.Dial(context.Background(), "tcp", "goner:9000")
	assert.ErrorContains(t, err, "no such node")

	_, err = server.Listen("tcp", ":9001")
	assert.Error(t, err, "listen on a closed node must fail")
	st := server.Status()
	assert.False(t, st.Running)
}

func TestMeshesAreIsolatedByControlURL(t *testing.T) {
	eng, err := engine.Get("local")
	require.NoError(t, err)

	mkNode := func(hostname, controlURL string) engine.Node {
		n, err := eng.NewNode(&engine.Config{Hostname: hostname, ControlURL: controlURL})
		require.NoError(t, err)
		t.Cleanup(func() { n.Close() })
		return n
	}
	a := mkNode("island", "local://"+t.Name()+"-a")
	b := mkNode("prober", "local://"+t.Name()+"-b")

	_, err = a.Up(context.Background())
	require.NoError(t, err)
	ln, err := a.Listen("tcp", ":8080")
	require.NoError(t, err)
	defer ln.Close()

	_, err = b.Dial(context.Background(), "tcp", "island:8080")
	assert.ErrorContains(t, err, "no such node")
}

func TestDefaultHostname(t *testing.T) {
	eng, err := engine.Get("local")
	require.NoError(t, err)
	n, err := eng.NewNode(&engine.Config{ControlURL: "local://" + t.Name()})
	require.NoError(t, err)
	defer n.Close()

	st, err := n.Up(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.Name, "weftnet-")
}
