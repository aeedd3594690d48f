// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import (
	"net"
	"time"
)

// Dial opens a new TCP connection to address; platform-specific socket
// tuning via raw syscalls is only implemented for Linux, so other
// platforms fall back to github.com/felixge/tcpkeepalive after connecting.
func Dial(address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	_ = SetKeepAlive(conn)
	return conn, nil
}
