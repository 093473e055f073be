// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package bootdispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

type capturingConn struct {
	written [][]byte
}

func (c *capturingConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	c.written = append(c.written, buf)
	return len(p), nil
}

func (c *capturingConn) ReadFrom(_ []byte) (int, net.Addr, error) { return 0, nil, nil }
func (c *capturingConn) Close() error                             { return nil }
func (c *capturingConn) LocalAddr() net.Addr                      { return &net.UDPAddr{} }
func (c *capturingConn) SetDeadline(time.Time) error              { return nil }
func (c *capturingConn) SetReadDeadline(time.Time) error          { return nil }
func (c *capturingConn) SetWriteDeadline(time.Time) error         { return nil }

func pxeDiscover(t *testing.T, arch []byte) *dhcpv4.DHCPv4 {
	t.Helper()
	m, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientSystemArchitectureType, arch)),
	)
	if err != nil {
		t.Fatalf("build discover: %v", err)
	}
	return m
}

func replyFor(t *testing.T, p *ProxyDHCP, m *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	t.Helper()
	conn := &capturingConn{}
	p.handle(conn, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 68}, m)
	if len(conn.written) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(conn.written))
	}
	reply, err := dhcpv4.FromBytes(conn.written[0])
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	return reply
}

func TestProxyDHCPArchToBootfile(t *testing.T) {
	p := NewProxyDHCP(net.IPv4(10, 0, 0, 1), nil)

	cases := []struct {
		name string
		arch []byte
		want string
	}{
		{"bios 00:00", []byte{0x00, 0x00}, "bios/undionly.kpxe"},
		{"uefi x64 00:07", []byte{0x00, 0x07}, "uefi/ipxe.efi"},
		{"uefi x64 00:09", []byte{0x00, 0x09}, "uefi/ipxe.efi"},
		{"unknown arch defaults to bios", []byte{0x00, 0x42}, "bios/undionly.kpxe"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reply := replyFor(t, p, pxeDiscover(t, c.arch))
			if reply.BootFileName != c.want {
				t.Errorf("expected bootfile %q, got %q", c.want, reply.BootFileName)
			}
			if !reply.ServerIPAddr.Equal(net.IPv4(10, 0, 0, 1)) {
				t.Errorf("expected next-server 10.0.0.1, got %s", reply.ServerIPAddr)
			}
		})
	}
}

func TestProxyDHCPIgnoresNonBootMessages(t *testing.T) {
	p := NewProxyDHCP(net.IPv4(10, 0, 0, 1), nil)
	conn := &capturingConn{}

	m, err := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease))
	if err != nil {
		t.Fatalf("build release: %v", err)
	}
	p.handle(conn, &net.UDPAddr{}, m)
	if len(conn.written) != 0 {
		t.Errorf("expected no reply to a DHCPRELEASE, got %d", len(conn.written))
	}
}
