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

// This package is the C ABI of weftnet. Build it as a static or shared
// library for foreign language bindings:
//
//	go build -buildmode=c-archive -o libweftnet.a ./capi/clib
//
// Every function forwards 1:1 to the descriptor surface in
// github.com/weftnet/weftnet-go/capi; see that package for the result-code
// protocol.
package main

// #include <stdlib.h>
import "C"

import (
	"unsafe"

	"github.com/weftnet/weftnet-go/capi"
)

func goBuf(buf *C.char, buflen C.size_t) []byte {
	if buf == nil || buflen == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(buflen))
}

//export weftnet_new
func weftnet_new() C.int {
	return C.int(capi.New())
}

//export weftnet_start
func weftnet_start(sd C.int) C.int {
	return C.int(capi.Start(int32(sd)))
}

//export weftnet_up
func weftnet_up(sd C.int) C.int {
	return C.int(capi.Up(int32(sd)))
}

//export weftnet_close
func weftnet_close(sd C.int) C.int {
	return C.int(capi.Close(int32(sd)))
}

//export weftnet_set_dir
func weftnet_set_dir(sd C.int, dir *C.char) C.int {
	return C.int(capi.SetDir(int32(sd), C.GoString(dir)))
}

//export weftnet_set_hostname
func weftnet_set_hostname(sd C.int, hostname *C.char) C.int {
	return C.int(capi.SetHostname(int32(sd), C.GoString(hostname)))
}

//export weftnet_set_authkey
func weftnet_set_authkey(sd C.int, key *C.char) C.int {
	return C.int(capi.SetAuthKey(int32(sd), C.GoString(key)))
}

//export weftnet_set_control_url
func weftnet_set_control_url(sd C.int, url *C.char) C.int {
	return C.int(capi.SetControlURL(int32(sd), C.GoString(url)))
}

//export weftnet_set_ephemeral
func weftnet_set_ephemeral(sd C.int, ephemeral C.int) C.int {
	return C.int(capi.SetEphemeral(int32(sd), ephemeral != 0))
}

//export weftnet_set_logfd
func weftnet_set_logfd(sd C.int, fd C.int) C.int {
	return C.int(capi.SetLogFD(int32(sd), int(fd)))
}

//export weftnet_listen
func weftnet_listen(sd C.int, network, addr *C.char, listenerOut *C.int) C.int {
	ld, rv := capi.Listen(int32(sd), C.GoString(network), C.GoString(addr))
	if listenerOut != nil {
		*listenerOut = C.int(ld)
	}
	return C.int(rv)
}

//export weftnet_accept
func weftnet_accept(ld C.int, connOut *C.int) C.int {
	cd, rv := capi.Accept(int32(ld))
	if connOut != nil {
		*connOut = C.int(cd)
	}
	return C.int(rv)
}

//export weftnet_dial
func weftnet_dial(sd C.int, network, addr *C.char, connOut *C.int) C.int {
	cd, rv := capi.Dial(int32(sd), C.GoString(network), C.GoString(addr))
	if connOut != nil {
		*connOut = C.int(cd)
	}
	return C.int(rv)
}

//export weftnet_close_listener
func weftnet_close_listener(ld C.int) C.int {
	return C.int(capi.CloseListener(int32(ld)))
}

//export weftnet_close_conn
func weftnet_close_conn(cd C.int) C.int {
	return C.int(capi.CloseConn(int32(cd)))
}

//export weftnet_read
func weftnet_read(cd C.int, buf *C.char, buflen C.size_t, nOut *C.int) C.int {
	n, rv := capi.Read(int32(cd), goBuf(buf, buflen))
	if nOut != nil {
		*nOut = C.int(n)
	}
	return C.int(rv)
}

//export weftnet_write
func weftnet_write(cd C.int, buf *C.char, buflen C.size_t, nOut *C.int) C.int {
	n, rv := capi.Write(int32(cd), goBuf(buf, buflen))
	if nOut != nil {
		*nOut = C.int(n)
	}
	return C.int(rv)
}

//export weftnet_getips
func weftnet_getips(sd C.int, buf *C.char, buflen C.size_t) C.int {
	return C.int(capi.GetIPs(int32(sd), goBuf(buf, buflen)))
}

//export weftnet_getremoteaddr
func weftnet_getremoteaddr(ld, cd C.int, buf *C.char, buflen C.size_t) C.int {
	return C.int(capi.GetRemoteAddr(int32(ld), int32(cd), goBuf(buf, buflen)))
}

//export weftnet_errmsg
func weftnet_errmsg(sd C.int, buf *C.char, buflen C.size_t) C.int {
	return C.int(capi.ErrMsg(int32(sd), goBuf(buf, buflen)))
}

//export weftnet_loopback
func weftnet_loopback(sd C.int, addrOut *C.char, addrLen C.size_t, proxyCredOut *C.char, proxyCredLen C.size_t, localAPICredOut *C.char, localAPICredLen C.size_t) C.int {
	return C.int(capi.Loopback(int32(sd),
		goBuf(addrOut, addrLen),
		goBuf(proxyCredOut, proxyCredLen),
		goBuf(localAPICredOut, localAPICredLen)))
}

func main() {}
