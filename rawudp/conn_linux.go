//go:build linux

package rawudp

import (
	"context"
	"net"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"

	"github.com/soypat/bootp"
)

// PacketStack implements [bootp.RawStack] over AF_PACKET sockets bound to a
// network interface, which exchange whole IP packets without the interface
// needing an IP address. Wrap it with [NewStack] to obtain the UDP surface
// the DHCP state machines consume.
type PacketStack struct {
	iface *net.Interface
}

// NewPacketStack returns a PacketStack bound to the named network interface.
func NewPacketStack(interfaceName string) (*PacketStack, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, err
	}
	return &PacketStack{iface: iface}, nil
}

// Bind implements [bootp.RawStack].
func (ps *PacketStack) Bind(ctx context.Context) (bootp.RawSocket, error) {
	conn, err := packet.Listen(ps.iface, packet.Datagram, unix.ETH_P_IP, nil)
	if err != nil {
		return nil, err
	}
	return &packetConn{conn: conn}, nil
}

type packetConn struct {
	conn *packet.Conn
}

var etherBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (pc *packetConn) Send(ctx context.Context, pkt []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetWriteDeadline(deadline)
		defer pc.conn.SetWriteDeadline(time.Time{})
	}
	// DHCP peers cannot be ARP-resolved before they hold an address, so
	// every packet is delivered at the link-layer broadcast address.
	_, err := pc.conn.WriteTo(pkt, &packet.Addr{HardwareAddr: etherBroadcast})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (pc *packetConn) ReceiveInto(ctx context.Context, buf []byte) (int, error) {
	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetReadDeadline(deadline)
		defer pc.conn.SetReadDeadline(time.Time{})
	}
	n, _, err := pc.conn.ReadFrom(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, err
	}
	return n, nil
}

func (pc *packetConn) Close() error { return pc.conn.Close() }
