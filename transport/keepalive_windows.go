// SPDX-License-Identifier: GPL-3.0-or-later

//go:build windows
// +build windows

package transport

import "net"

// SetKeepAlive is a no-op on Windows; github.com/felixge/tcpkeepalive does
// not support it and the OS default keepalive schedule applies instead.
func SetKeepAlive(conn net.Conn) error {
	return nil
}
