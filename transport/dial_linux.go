// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Linux-specific socket options are set on outbound connections for faster
// detection of abrupt connection loss, based on the tcp(7) manual page.
// <https://man7.org/linux/man-pages/man7/tcp.7.html>

// dialSockopts lists the IPPROTO_TCP options applied to a freshly dialed
// connection's raw fd, in the order they're set.
var dialSockopts = [...]struct {
	opt   int
	value int
}{
	{unix.TCP_KEEPCNT, 1},          // probes sent before giving up on the connection
	{unix.TCP_KEEPIDLE, 5},         // seconds idle before the first probe
	{unix.TCP_KEEPINTVL, 3},        // seconds between probes
	{unix.TCP_USER_TIMEOUT, 2000},  // ms of unacked data before a forced close
}

func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	ctrlErr := rawConn.Control(func(fd uintptr) {
		for _, o := range dialSockopts {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, o.opt, o.value); err != nil {
				return
			}
		}
	})
	if err == nil {
		err = ctrlErr
	}
	return
}

// Dial opens a new TCP connection to address with Linux keepalive tuning.
func Dial(address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: dialControl,
	}
	return dialer.Dial("tcp", address)
}
