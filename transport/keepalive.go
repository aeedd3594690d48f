// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !windows
// +build !windows

package transport

import (
	"net"
	"time"

	"github.com/felixge/tcpkeepalive"
)

// SetKeepAlive enables TCP keepalive on conn with a shorter idle/probe
// schedule than the OS default, so a Channel notices a vanished peer well
// before Heartbeat.MaxMissed would. Used on accepted connections on every
// platform, and on dialed connections where Dial has no finer-grained
// platform-specific tuning of its own.
func SetKeepAlive(conn net.Conn) error {
	return tcpkeepalive.SetKeepAlive(conn, time.Second, 1, 500*time.Millisecond)
}
