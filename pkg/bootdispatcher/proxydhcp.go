// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package bootdispatcher

import (
	"log"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// clientArch mirrors the PXE client-system-architecture option (93)
// values the helper answers for.
type clientArch uint16

const (
	archBIOS       clientArch = 0x0000
	archUEFIx64    clientArch = 0x0007
	archUEFIx64Alt clientArch = 0x0009
)

// ProxyDHCP answers PXE boot requests on UDP 4011 without handing out IP
// leases: it inspects the client architecture option
// and responds with the matching next-server/filename pair.
type ProxyDHCP struct {
	nextServer net.IP
	bootFiles  map[clientArch]string
	srv        *server4.Server
	logger     *log.Logger
}

// NewProxyDHCP creates a Proxy-DHCP helper. nextServer is the TFTP
// server's address handed to clients as next-server.
func NewProxyDHCP(nextServer net.IP, logger *log.Logger) *ProxyDHCP {
	if logger == nil {
		logger = log.New(log.Writer(), "proxydhcp: ", log.LstdFlags)
	}
	return &ProxyDHCP{
		nextServer: nextServer,
		bootFiles: map[clientArch]string{
			archBIOS:       "bios/undionly.kpxe",
			archUEFIx64:    "uefi/ipxe.efi",
			archUEFIx64Alt: "uefi/ipxe.efi",
		},
		logger: logger,
	}
}

// ListenAndServe starts the UDP 4011 listener. It blocks until Close is
// called or an unrecoverable error occurs.
func (p *ProxyDHCP) ListenAndServe(iface string) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: 4011}
	srv, err := server4.NewServer(iface, addr, p.handle)
	if err != nil {
		return err
	}
	p.srv = srv
	p.logger.Printf("proxy-dhcp: listening on %s:4011", iface)
	return srv.Serve()
}

// Close stops the listener.
func (p *ProxyDHCP) Close() error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Close()
}

// handle answers a single PXE DHCPDISCOVER/DHCPREQUEST with a
// DHCPOFFER/DHCPACK carrying next-server and the bootfile matching the
// requesting client's architecture.
func (p *ProxyDHCP) handle(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	if m == nil || (m.MessageType() != dhcpv4.MessageTypeDiscover && m.MessageType() != dhcpv4.MessageTypeRequest) {
		return
	}

	arch := archBIOS
	if opt := m.Options.Get(dhcpv4.OptionClientSystemArchitectureType); len(opt) >= 2 {
		arch = clientArch(uint16(opt[0])<<8 | uint16(opt[1]))
	}

	bootfile, ok := p.bootFiles[arch]
	if !ok {
		p.logger.Printf("proxy-dhcp: unknown client arch %#04x from %s, defaulting to BIOS path", arch, peer)
		bootfile = p.bootFiles[archBIOS]
	}

	replyType := dhcpv4.MessageTypeOffer
	if m.MessageType() == dhcpv4.MessageTypeRequest {
		replyType = dhcpv4.MessageTypeAck
	}

	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(replyType),
		dhcpv4.WithServerIP(p.nextServer),
		dhcpv4.WithOption(dhcpv4.OptTFTPServerName(p.nextServer.String())),
		dhcpv4.WithOption(dhcpv4.OptBootFileName(bootfile)),
	)
	if err != nil {
		p.logger.Printf("proxy-dhcp: build reply for %s failed: %v", peer, err)
		return
	}
	reply.ServerIPAddr = p.nextServer
	reply.BootFileName = bootfile

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		p.logger.Printf("proxy-dhcp: reply to %s failed: %v", peer, err)
	}
}
