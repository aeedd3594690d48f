// SPDX-License-Identifier: GPL-3.0-or-later

// Package binding defines the (IP, port) key Hyperletter uses to identify
// listeners and outbound channels.
package binding

import "net/netip"

// Binding is an (IP, port) pair, comparable by value. Outbound channels and
// Listeners are keyed by the Binding the application asked for; Inbound
// channels key by the remote address observed on accept.
type Binding = netip.AddrPort

// New builds a Binding from a textual IP address and a port.
func New(ip string, port uint16) (Binding, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Binding{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}
