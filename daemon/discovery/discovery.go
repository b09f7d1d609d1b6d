// Package discovery implements peer discovery over IPv6 link-local
// multicast: each enabled service is periodically announced to ff02::1
// with a multicast hop limit of 1, so announcements never cross a router
// and stay confined to the local link.
package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/quantarax/summit/daemon/wire"
)

// MulticastGroup is the all-nodes link-local multicast address Summit
// announces and listens on.
const MulticastGroup = "ff02::1"

// AnnounceInterval is how often each enabled service re-announces itself.
const AnnounceInterval = 2 * time.Second

// AnnouncePort is the fixed UDP port every node sends and listens for
// CapabilityAnnouncement datagrams on. It is distinct from a session's own
// session_port, which is carried inside the announcement rather than fixed.
const AnnouncePort = 9000

// hopLimit keeps every announcement confined to the local link: a router
// is required to decrement and ultimately drop any packet with hop limit 1,
// so these datagrams can never be forwarded off-link.
const hopLimit = 1

// Announcement is the decoded, address-attributed form of one received
// CapabilityAnnouncement, ready for Registry.Observe.
type Announcement struct {
	*wire.CapabilityAnnouncement
	SourceAddr net.IP
}

// Conn wraps a UDP socket bound for Summit's multicast discovery traffic.
type Conn struct {
	pc   *ipv6.PacketConn
	udp  *net.UDPConn
	iface *net.Interface
	port int
}

// Listen opens a UDP socket on port, joins the discovery multicast group on
// iface, and restricts outgoing multicast packets to hop limit 1. The socket
// is bound with SO_REUSEADDR/SO_REUSEPORT so more than one Summit process —
// or, in tests, more than one in-process Core — can share the fixed
// discovery port on the same host instead of colliding on bind.
func Listen(iface *net.Interface, port int) (*Conn, error) {
	lc := net.ListenConfig{Control: reusePort}
	pconn, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp6: %w", err)
	}
	udpConn, ok := pconn.(*net.UDPConn)
	if !ok {
		pconn.Close()
		return nil, fmt.Errorf("discovery: unexpected packet conn type %T", pconn)
	}

	pc := ipv6.NewPacketConn(udpConn)
	group := &net.UDPAddr{IP: net.ParseIP(MulticastGroup)}
	if err := pc.JoinGroup(iface, group); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("discovery: join multicast group: %w", err)
	}
	if err := pc.SetMulticastHopLimit(hopLimit); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("discovery: set multicast hop limit: %w", err)
	}
	if err := pc.SetMulticastInterface(iface); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("discovery: set multicast interface: %w", err)
	}

	return &Conn{pc: pc, udp: udpConn, iface: iface, port: port}, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.udp.Close()
}

// reusePort sets SO_REUSEADDR and SO_REUSEPORT on the listening socket
// before bind.
func reusePort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Announce sends one CapabilityAnnouncement to the multicast group.
func (c *Conn) Announce(a *wire.CapabilityAnnouncement) error {
	dst := &net.UDPAddr{
		IP:   net.ParseIP(MulticastGroup),
		Port: c.port,
		Zone: c.iface.Name,
	}
	_, err := c.pc.WriteTo(a.Encode(), nil, dst)
	if err != nil {
		return fmt.Errorf("discovery: write announcement: %w", err)
	}
	return nil
}

// ReadAnnouncement blocks for the next announcement datagram, decoding it
// and attaching the sender's address.
func (c *Conn) ReadAnnouncement(buf []byte) (*Announcement, error) {
	n, _, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("discovery: read: %w", err)
	}
	a, err := wire.DecodeCapabilityAnnouncement(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("discovery: decode announcement: %w", err)
	}
	udpSrc, ok := src.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("discovery: unexpected source address type %T", src)
	}
	return &Announcement{CapabilityAnnouncement: a, SourceAddr: udpSrc.IP}, nil
}
