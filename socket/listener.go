// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/transport"
)

// listener accepts TCP connections on one Binding and hands each to the
// owning Socket as a fresh Inbound channel. Exclusively owned by Socket;
// destroyed on Unbind or Dispose.
type listener struct {
	bnd binding.Binding
	ln  net.Listener

	onAccept func(conn net.Conn, remote binding.Binding)

	stopped chan struct{}
}

func newListener(bnd binding.Binding, ln net.Listener, onAccept func(net.Conn, binding.Binding)) *listener {
	l := &listener{bnd: bnd, ln: ln, onAccept: onAccept, stopped: make(chan struct{})}
	go l.run()
	return l
}

func (l *listener) run() {
	defer close(l.stopped)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		if err := transport.SetKeepAlive(conn); err != nil {
			log.WithFields(log.Fields{"remote": conn.RemoteAddr()}).Warn("failed to enable keepalive on accepted connection")
		}
		remote, err := binding.New(hostOf(conn.RemoteAddr()), portOf(conn.RemoteAddr()))
		if err != nil {
			log.WithFields(log.Fields{"remote": conn.RemoteAddr()}).Warn("rejecting accepted connection with unparseable remote address")
			_ = conn.Close()
			continue
		}
		l.onAccept(conn, remote)
	}
}

func (l *listener) close() error {
	err := l.ln.Close()
	<-l.stopped
	return err
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return ""
}

func portOf(addr net.Addr) uint16 {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}
