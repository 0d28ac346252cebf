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

// Package localapi serves a node's local HTTP control surface. It is only
// reachable through the server's loopback listener and is guarded by a
// per-process credential.
package localapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/gorilla/websocket"

	"github.com/weftnet/weftnet-go/engine"
	"github.com/weftnet/weftnet-go/internal/eventbus"
)

// BasicAuthUser is the username expected alongside the local API credential.
const BasicAuthUser = "weftnet"

// Backend is the slice of a server the local API needs.
type Backend interface {
	// Status returns the node's current status.
	Status() *engine.Status
	// WatchBus subscribes to state-change events. The returned cancel
	// function releases the subscription.
	WatchBus() (<-chan eventbus.Event, func())
}

// Handler serves the local API for one node.
type Handler struct {
	backend Backend
	cred    string
	mux     *http.ServeMux
}

// NewHandler returns a handler that authorizes requests carrying the given
// credential as the basic-auth password.
func NewHandler(backend Backend, cred string) *Handler {
	h := &Handler{backend: backend, cred: cred, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /localapi/v0/status", h.serveStatus)
	h.mux.HandleFunc("GET /localapi/v0/ips", h.serveIPs)
	h.mux.HandleFunc("GET /localapi/v0/watch-bus", h.serveWatchBus)
	return h
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != BasicAuthUser ||
		subtle.ConstantTimeCompare([]byte(pass), []byte(h.cred)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="weftnet localapi"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.backend.Status())
}

func (h *Handler) serveIPs(w http.ResponseWriter, r *http.Request) {
	ips := h.backend.Status().IPs()
	if ips == nil {
		ips = []netip.Addr{}
	}
	writeJSON(w, ips)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The loopback listener only accepts local connections, and callers
	// authenticate with the credential, not cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWatchBus streams state-change events as JSON text messages until the
// client goes away or the bus closes. The current status is sent first as a
// synthetic event, so watchers start from a known state.
func (h *Handler) serveWatchBus(w http.ResponseWriter, r *http.Request) {
	events, cancel := h.backend.WatchBus()
	defer cancel()

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	st := h.backend.Status()
	first := eventbus.Event{State: "stopped"}
	if st.Running {
		first.State = "running"
		first.Detail = st.Name
	}
	if err := wsConn.WriteJSON(first); err != nil {
		return
	}

	// Drain client frames so close/ping handling works; we never expect data.
	go func() {
		for {
			if _, _, err := wsConn.NextReader(); err != nil {
				wsConn.Close()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bus closed"))
				return
			}
			if err := wsConn.WriteJSON(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
