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

// Package capi exposes the weftnet server through integer descriptors and
// caller-supplied byte buffers, the calling convention expected by foreign
// language bindings. The cgo shim in capi/clib forwards this surface across
// the C ABI unchanged.
//
// Every entry point returns a result code: [ResultOK] on success,
// [ResultBadHandle] for an unknown or already-closed descriptor,
// [ResultRange] when a caller buffer is too small, and [ResultError] for
// anything else, with the message retrievable via [ErrMsg] on the server
// descriptor. Output strings are NUL-terminated into the caller's buffer.
package capi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/weftnet/weftnet-go/internal/handles"
	"github.com/weftnet/weftnet-go/weftnet"
)

// Result codes. They are stable: foreign bindings hard-code them.
const (
	// ResultOK means the call succeeded.
	ResultOK int32 = 0
	// ResultError means the call failed; ErrMsg on the server descriptor
	// has the message.
	ResultError int32 = 1
	// ResultBadHandle means the descriptor is unknown or closed.
	ResultBadHandle int32 = -1
	// ResultRange means the caller's buffer is too small for the output.
	ResultRange int32 = -2
)

type serverHandle struct {
	srv *weftnet.Server

	mu      sync.Mutex
	lastErr string
	logFile *os.File
}

func (sh *serverHandle) setErr(err error) int32 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.lastErr = err.Error()
	return ResultError
}

type listenerHandle struct {
	ln net.Listener
	sh *serverHandle
}

type connHandle struct {
	conn net.Conn
	sh   *serverHandle
}

var (
	servers   = handles.NewTable[*serverHandle]()
	listeners = handles.NewTable[*listenerHandle]()
	conns     = handles.NewTable[*connHandle]()
)

// New creates a server and returns its descriptor. The server is configured
// with the Set* functions and brought up with Start or Up.
func New() int32 {
	return servers.Add(&serverHandle{srv: &weftnet.Server{}})
}

// errStarted is reported by setters once the node has started.
var errStarted = errors.New("server already started; configuration is fixed")

// set applies a configuration mutation, rejecting it on started servers.
func set(sd int32, apply func(*weftnet.Server)) int32 {
	sh, ok := servers.Get(sd)
	if !ok {
		return ResultBadHandle
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.srv.Started() {
		sh.lastErr = errStarted.Error()
		return ResultError
	}
	apply(sh.srv)
	return ResultOK
}

// SetDir sets the state directory.
func SetDir(sd int32, dir string) int32 {
	return set(sd, func(s *weftnet.Server) { s.Dir = dir })
}

// SetHostname sets the name the node requests on the mesh.
func SetHostname(sd int32, hostname string) int32 {
	return set(sd, func(s *weftnet.Server) { s.Hostname = hostname })
}

// SetAuthKey sets the control-plane auth key.
func SetAuthKey(sd int32, key string) int32 {
	return set(sd, func(s *weftnet.Server) { s.AuthKey = key })
}

// SetControlURL sets the control-plane URL.
func SetControlURL(sd int32, url string) int32 {
	return set(sd, func(s *weftnet.Server) { s.ControlURL = url })
}

// SetEphemeral marks the node as ephemeral.
func SetEphemeral(sd int32, ephemeral bool) int32 {
	return set(sd, func(s *weftnet.Server) { s.Ephemeral = ephemeral })
}

// SetLogFD directs node diagnostics to the given open file descriptor,
// which the server takes ownership of. Pass -1 to discard diagnostics.
func SetLogFD(sd int32, fd int) int32 {
	var f *os.File
	if fd >= 0 {
		f = os.NewFile(uintptr(fd), "weftnet-log")
	}
	rv := set(sd, func(s *weftnet.Server) {
		if f == nil {
			s.Logf = func(string, ...any) {}
			return
		}
		s.Logf = func(format string, args ...any) {
			fmt.Fprintf(f, format+"\n", args...)
		}
	})
	if rv == ResultOK && f != nil {
		if sh, ok := servers.Get(sd); ok {
			sh.mu.Lock()
			if sh.logFile != nil {
				sh.logFile.Close()
			}
			sh.logFile = f
			sh.mu.Unlock()
		}
	}
	return rv
}

// Start begins connecting the node to the mesh without waiting for it.
func Start(sd int32) int32 {
	sh, ok := servers.Get(sd)
	if !ok {
		return ResultBadHandle
	}
	if err := sh.srv.Start(); err != nil {
		return sh.setErr(err)
	}
	return ResultOK
}

// Up blocks until the node is connected to the mesh.
func Up(sd int32) int32 {
	sh, ok := servers.Get(sd)
	if !ok {
		return ResultBadHandle
	}
	if _, err := sh.srv.Up(context.Background()); err != nil {
		return sh.setErr(err)
	}
	return ResultOK
}

// Close tears the server down and invalidates sd.
func Close(sd int32) int32 {
	sh, ok := servers.Delete(sd)
	if !ok {
		return ResultBadHandle
	}
	err := sh.srv.Close()
	sh.mu.Lock()
	if sh.logFile != nil {
		sh.logFile.Close()
		sh.logFile = nil
	}
	sh.mu.Unlock()
	if err != nil {
		return sh.setErr(err)
	}
	return ResultOK
}

// Listen announces on the mesh and returns a listener descriptor.
func Listen(sd int32, network, addr string) (ld int32, rv int32) {
	sh, ok := servers.Get(sd)
	if !ok {
		return 0, ResultBadHandle
	}
	ln, err := sh.srv.Listen(network, addr)
	if err != nil {
		return 0, sh.setErr(err)
	}
	return listeners.Add(&listenerHandle{ln: ln, sh: sh}), ResultOK
}

// Accept blocks for the next connection on ld and returns its descriptor.
func Accept(ld int32) (cd int32, rv int32) {
	lh, ok := listeners.Get(ld)
	if !ok {
		return 0, ResultBadHandle
	}
	conn, err := lh.ln.Accept()
	if err != nil {
		return 0, lh.sh.setErr(err)
	}
	return conns.Add(&connHandle{conn: conn, sh: lh.sh}), ResultOK
}

// Dial connects to addr on the mesh and returns a connection descriptor.
// It blocks until the connection is established or fails.
func Dial(sd int32, network, addr string) (cd int32, rv int32) {
	sh, ok := servers.Get(sd)
	if !ok {
		return 0, ResultBadHandle
	}
	conn, err := sh.srv.Dial(context.Background(), network, addr)
	if err != nil {
		return 0, sh.setErr(err)
	}
	return conns.Add(&connHandle{conn: conn, sh: sh}), ResultOK
}

// CloseListener closes ld. Connections already accepted stay open.
func CloseListener(ld int32) int32 {
	lh, ok := listeners.Delete(ld)
	if !ok {
		return ResultBadHandle
	}
	if err := lh.ln.Close(); err != nil {
		return lh.sh.setErr(err)
	}
	return ResultOK
}

// CloseConn closes cd.
func CloseConn(cd int32) int32 {
	ch, ok := conns.Delete(cd)
	if !ok {
		return ResultBadHandle
	}
	if err := ch.conn.Close(); err != nil {
		return ch.sh.setErr(err)
	}
	return ResultOK
}

// Read reads from cd into buf, returning the byte count. A zero count with
// ResultOK means end of stream, matching read(2).
func Read(cd int32, buf []byte) (n int32, rv int32) {
	ch, ok := conns.Get(cd)
	if !ok {
		return 0, ResultBadHandle
	}
	read, err := ch.conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return int32(read), ResultOK
		}
		return int32(read), ch.sh.setErr(err)
	}
	return int32(read), ResultOK
}

// Write writes buf to cd, returning the byte count.
func Write(cd int32, buf []byte) (n int32, rv int32) {
	ch, ok := conns.Get(cd)
	if !ok {
		return 0, ResultBadHandle
	}
	wrote, err := ch.conn.Write(buf)
	if err != nil {
		return int32(wrote), ch.sh.setErr(err)
	}
	return int32(wrote), ResultOK
}

// GetIPs writes the node's mesh addresses into buf as "ipv4,ipv6" with a
// trailing NUL. The node must be up.
func GetIPs(sd int32, buf []byte) int32 {
	sh, ok := servers.Get(sd)
	if !ok {
		return ResultBadHandle
	}
	ips, err := sh.srv.IPs()
	if err != nil {
		return sh.setErr(err)
	}
	parts := make([]string, len(ips))
	for i, ip := range ips {
		parts[i] = ip.String()
	}
	return copyCString(buf, strings.Join(parts, ","))
}

// GetRemoteAddr writes the peer mesh address of connection cd into buf with
// a trailing NUL. The listener descriptor mirrors the foreign signature and
// must be live.
func GetRemoteAddr(ld, cd int32, buf []byte) int32 {
	if _, ok := listeners.Get(ld); !ok {
		return ResultBadHandle
	}
	ch, ok := conns.Get(cd)
	if !ok {
		return ResultBadHandle
	}
	host, _, err := net.SplitHostPort(ch.conn.RemoteAddr().String())
	if err != nil {
		return ch.sh.setErr(err)
	}
	return copyCString(buf, host)
}

// Loopback starts the server's loopback listener and writes its address,
// SOCKS5 proxy credential and local API credential into the three buffers,
// each NUL-terminated.
func Loopback(sd int32, addrBuf, proxyCredBuf, localAPICredBuf []byte) int32 {
	sh, ok := servers.Get(sd)
	if !ok {
		return ResultBadHandle
	}
	addr, proxyCred, apiCred, err := sh.srv.Loopback()
	if err != nil {
		return sh.setErr(err)
	}
	if rv := copyCString(addrBuf, addr); rv != ResultOK {
		return rv
	}
	if rv := copyCString(proxyCredBuf, proxyCred); rv != ResultOK {
		return rv
	}
	return copyCString(localAPICredBuf, apiCred)
}

// ErrMsg writes the last error recorded on sd into buf with a trailing NUL.
func ErrMsg(sd int32, buf []byte) int32 {
	sh, ok := servers.Get(sd)
	if !ok {
		return ResultBadHandle
	}
	sh.mu.Lock()
	msg := sh.lastErr
	sh.mu.Unlock()
	return copyCString(buf, msg)
}

// copyCString copies s into dst with a trailing NUL, returning ResultRange
// if dst cannot hold it.
func copyCString(dst []byte, s string) int32 {
	if len(dst) < len(s)+1 {
		return ResultRange
	}
	copy(dst, s)
	dst[len(s)] = 0
	return ResultOK
}
