package bootp

import (
	"context"
	"net/netip"
	"time"
)

// UDPStack is the socket factory consumed by [Client] and [Server]. DHCP
// exchanges UDP datagrams before the host has any IP identity, so a plain
// OS UDP socket provider is unlikely to work for the client side; see the
// rawudp package for a factory that synthesizes IP+UDP over a link-layer
// socket.
type UDPStack interface {
	// ConnectFrom opens a socket bound to local that sends to and receives
	// only from remote.
	ConnectFrom(ctx context.Context, local, remote netip.AddrPort) (ConnectedUDP, error)
	// BindSingle opens a socket uniquely bound to local.
	BindSingle(ctx context.Context, local netip.AddrPort) (UnconnectedUDP, error)
	// BindMultiple opens a socket bound to local that tolerates other
	// sockets bound to the same address.
	BindMultiple(ctx context.Context, local netip.AddrPort) (UnconnectedUDP, error)
}

// ConnectedUDP is a UDP socket with a fixed remote.
type ConnectedUDP interface {
	Send(ctx context.Context, b []byte) error
	// ReceiveInto copies the next matching datagram payload into buf and
	// returns its length.
	ReceiveInto(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// UnconnectedUDP is a UDP socket that addresses each datagram explicitly.
type UnconnectedUDP interface {
	Send(ctx context.Context, local, remote netip.AddrPort, b []byte) error
	// ReceiveInto copies the next matching datagram payload into buf and
	// returns its length along with the local and remote addresses.
	ReceiveInto(ctx context.Context, buf []byte) (int, netip.AddrPort, netip.AddrPort, error)
	Close() error
}

// RawStack is the alternative socket factory over a link-layer device whose
// payloads are whole IP packets.
type RawStack interface {
	Bind(ctx context.Context) (RawSocket, error)
}

// RawSocket sends and receives link-layer payloads (IP packets).
type RawSocket interface {
	Send(ctx context.Context, pkt []byte) error
	ReceiveInto(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
