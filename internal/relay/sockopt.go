package relay

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// networkFor returns the UDP network matching the address family of addr, so
// IPv4 and IPv6 wildcard listeners can be bound side by side.
func networkFor(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return "udp4"
	}
	return "udp6"
}

// applySocketOptions sets buffer sizes and the DSCP code point on conn.
func applySocketOptions(conn *net.UDPConn, is4 bool, bufSize, dscp int) error {
	if bufSize > 0 {
		if err := conn.SetReadBuffer(bufSize); err != nil {
			return fmt.Errorf("set read buffer: %w", err)
		}
		if err := conn.SetWriteBuffer(bufSize); err != nil {
			return fmt.Errorf("set write buffer: %w", err)
		}
	}

	if dscp > 0 {
		tos := dscp << 2
		if is4 {
			if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
				return fmt.Errorf("set tos: %w", err)
			}
		} else {
			if err := ipv6.NewConn(conn).SetTrafficClass(tos); err != nil {
				return fmt.Errorf("set traffic class: %w", err)
			}
		}
	}
	return nil
}
