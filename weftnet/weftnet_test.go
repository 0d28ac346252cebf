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

package weftnet

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/weftnet/weftnet-go/localengine"
)

// newTestServer returns a started-on-demand server on a mesh private to the
// test.
func newTestServer(t *testing.T, hostname string) *Server {
	t.Helper()
	srv := &Server{
		Hostname:   hostname,
		Ephemeral:  true,
		ControlURL: "local://" + t.Name(),
		Logf:       t.Logf,
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestUpAndIPs(t *testing.T) {
	srv := newTestServer(t, "node-a")
	assert.False(t, srv.Started())

	_, err := srv.IPs()
	assert.ErrorIs(t, err, ErrNotRunning, "IPs before Up must fail")

	st, err := srv.Up(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, srv.Started())

	ips, err := srv.IPs()
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, st.IPv4, ips[0])
	assert.Equal(t, st.IPv6, ips[1])
}

func TestListenDialBetweenServers(t *testing.T) {
	server := newTestServer(t, "peer-a")
	client := newTestServer(t, "peer-b")

	_, err := server.Up(context.Background())
	require.NoError(t, err)
	_, err = client.Up(context.Background())
	require.NoError(t, err)

	ln, err := server.Listen("tcp", ":1999")
	require.NoError(t, err)

	echoed := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			echoed <- "accept error: " + err.Error()
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		echoed <- string(data)
	}()

	conn, err := client.Dial(context.Background(), "tcp", "peer-a:1999")
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case got := <-echoed:
		assert.Equal(t, "ping", got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestCloseOwnsListenersAndConns(t *testing.T) {
	server := newTestServer(t, "owner")
	client := newTestServer(t, "guest")

	ln, err := server.Listen("tcp", ":3000")
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		accepted <- err
	}()

	conn, err := client.Dial(context.Background(), "tcp", "owner:3000")
	require.NoError(t, err)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close(), "Close must be idempotent")

	select {
	case err := <-accepted:
		// Either the dial won the race and Accept returned a connection
		// error later, or Accept observed the close directly.
		_ = err
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after server close")
	}

	// The server is unusable after Close.
	_, err = server.Listen("tcp", ":3001")
	assert.Error(t, err)
	_, err = server.Up(context.Background())
	assert.Error(t, err)

	// The client's end sees the teardown as EOF or reset.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestZeroValueServerStartsWithSoleEngine(t *testing.T) {
	srv := &Server{ControlURL: "local://" + t.Name(), Ephemeral: true}
	defer srv.Close()
	st, err := srv.Up(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.NotEmpty(t, st.Name)
}

func TestStatusBeforeStart(t *testing.T) {
	srv := newTestServer(t, "idle")
	st := srv.Status()
	assert.False(t, st.Running)
	assert.False(t, st.IPv4.IsValid())
}

func TestWatchBusSeesLifecycle(t *testing.T) {
	srv := newTestServer(t, "watched")
	require.NoError(t, srv.Start())

	events, cancel := srv.WatchBus()
	defer cancel()

	_, err := srv.Up(context.Background())
	require.NoError(t, err)
	_, err = srv.Listen("tcp", ":4000")
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	var states []string
	for ev := range events {
		states = append(states, ev.State)
		if ev.State == "stopped" {
			break
		}
	}
	assert.Equal(t, []string{"running", "listening", "stopped"}, states)
}

func TestDialOnClosedServer(t *testing.T) {
	srv := newTestServer(t, "dead")
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Close())

	_, err := srv.Dial(context.Background(), "tcp", "anyone:80")
	assert.Error(t, err)
}
