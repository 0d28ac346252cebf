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
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/things-go/go-socks5"

	"github.com/weftnet/weftnet-go/localapi"
)

// LoopbackProxyUser is the SOCKS5 username paired with the proxy credential
// returned by [Server.Loopback].
const LoopbackProxyUser = "weftnet"

// socksVersion5 is the first byte of every SOCKS5 client greeting; it is how
// the loopback listener tells proxy traffic from local API requests.
const socksVersion5 = 0x05

// Loopback starts (or returns) the server's loopback listener on
// 127.0.0.1. The one listener serves two things, distinguished by the first
// byte of each connection:
//
//   - a SOCKS5 proxy that dials into the mesh, authenticated with
//     [LoopbackProxyUser] and proxyCred;
//   - the local HTTP API (see [localapi]), authenticated with
//     [localapi.BasicAuthUser] and localAPICred as basic auth.
//
// Both credentials are random and minted once per server.
func (s *Server) Loopback() (addr, proxyCred, localAPICred string, err error) {
	if err := s.Start(); err != nil {
		return "", "", "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", "", "", ErrClosed
	}
	if s.loopback == nil {
		lb, err := newLoopbackServer(s)
		if err != nil {
			return "", "", "", fmt.Errorf("weftnet: loopback: %w", err)
		}
		s.loopback = lb
	}
	lb := s.loopback
	return lb.addr, lb.proxyCred, lb.apiCred, nil
}

type loopbackServer struct {
	addr      string
	proxyCred string
	apiCred   string

	ln        net.Listener
	httpLn    *chanListener
	closeOnce sync.Once
}

func newLoopbackServer(s *Server) (*loopbackServer, error) {
	proxyCred, err := randHex(32)
	if err != nil {
		return nil, err
	}
	apiCred, err := randHex(32)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	lb := &loopbackServer{
		addr:      ln.Addr().String(),
		proxyCred: proxyCred,
		apiCred:   apiCred,
		ln:        ln,
		httpLn:    newChanListener(ln.Addr()),
	}

	socksSrv := socks5.NewServer(
		socks5.WithAuthMethods([]socks5.Authenticator{
			socks5.UserPassAuthenticator{
				Credentials: socks5.StaticCredentials{LoopbackProxyUser: proxyCred},
			},
		}),
		socks5.WithDial(s.Dial),
	)
	httpSrv := &http.Server{Handler: localapi.NewHandler(s, apiCred)}

	go httpSrv.Serve(lb.httpLn)
	go lb.serve(s, socksSrv)
	return lb, nil
}

// serve splits incoming connections between the SOCKS5 server and the local
// API by peeking at the first byte.
func (lb *loopbackServer) serve(s *Server, socksSrv *socks5.Server) {
	logf := s.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	for {
		conn, err := lb.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logf("weftnet: loopback accept: %v", err)
			}
			lb.httpLn.Close()
			return
		}
		go func() {
			br := bufio.NewReader(conn)
			first, err := br.Peek(1)
			if err != nil {
				conn.Close()
				return
			}
			pc := &peekedConn{Conn: conn, r: br}
			if first[0] == socksVersion5 {
				if err := socksSrv.ServeConn(pc); err != nil {
					logf("weftnet: loopback socks5: %v", err)
				}
				return
			}
			if !lb.httpLn.deliver(pc) {
				conn.Close()
			}
		}()
	}
}

func (lb *loopbackServer) close() {
	lb.closeOnce.Do(func() {
		lb.ln.Close()
		lb.httpLn.Close()
	})
}

// peekedConn replays bytes buffered while sniffing the protocol.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// chanListener adapts pre-accepted connections to the net.Listener shape
// http.Server.Serve expects.
type chanListener struct {
	addr      net.Addr
	ch        chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, ch: make(chan net.Conn), done: make(chan struct{})}
}

// deliver hands conn to the next Accept call, reporting false if the
// listener is closed.
func (l *chanListener) deliver(conn net.Conn) bool {
	select {
	case l.ch <- conn:
		return true
	case <-l.done:
		return false
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }

func randHex(n int) (string, error) {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
