package rawudp

import (
	"context"
	"net/netip"

	"github.com/soypat/bootp"
)

// Stack adapts a link-layer [bootp.RawStack] into the UDP socket factory
// consumed by the DHCP state machines. Each socket synthesizes headers on
// send and skips non-matching frames on receive through a transient
// [MTU]-sized buffer.
type Stack struct {
	raw bootp.RawStack
}

// NewStack returns a Stack over raw.
func NewStack(raw bootp.RawStack) *Stack {
	return &Stack{raw: raw}
}

// ConnectFrom implements [bootp.UDPStack].
func (s *Stack) ConnectFrom(ctx context.Context, local, remote netip.AddrPort) (bootp.ConnectedUDP, error) {
	if !is4(local) || !is4(remote) {
		return nil, ErrUnsupportedProto
	}
	sock, err := s.raw.Bind(ctx)
	if err != nil {
		return nil, err
	}
	return &connectedSocket{sock: sock, local: local, remote: remote}, nil
}

// BindSingle implements [bootp.UDPStack].
func (s *Stack) BindSingle(ctx context.Context, local netip.AddrPort) (bootp.UnconnectedUDP, error) {
	return s.bind(ctx, local)
}

// BindMultiple implements [bootp.UDPStack]. A link-layer socket sees all
// traffic regardless of how many sockets share the address, so this is the
// same as BindSingle.
func (s *Stack) BindMultiple(ctx context.Context, local netip.AddrPort) (bootp.UnconnectedUDP, error) {
	return s.bind(ctx, local)
}

func (s *Stack) bind(ctx context.Context, local netip.AddrPort) (bootp.UnconnectedUDP, error) {
	if !is4(local) {
		return nil, ErrUnsupportedProto
	}
	sock, err := s.raw.Bind(ctx)
	if err != nil {
		return nil, err
	}
	return &unconnectedSocket{sock: sock, local: local}, nil
}

type connectedSocket struct {
	sock   bootp.RawSocket
	local  netip.AddrPort
	remote netip.AddrPort
}

func (cs *connectedSocket) Send(ctx context.Context, b []byte) error {
	return sendRaw(ctx, cs.sock, cs.local, cs.remote, b)
}

func (cs *connectedSocket) ReceiveInto(ctx context.Context, buf []byte) (int, error) {
	n, _, _, err := receiveRaw(ctx, cs.sock, cs.remote, cs.local, buf)
	return n, err
}

func (cs *connectedSocket) Close() error { return cs.sock.Close() }

type unconnectedSocket struct {
	sock  bootp.RawSocket
	local netip.AddrPort
}

func (us *unconnectedSocket) Send(ctx context.Context, local, remote netip.AddrPort, b []byte) error {
	if !is4(local) || !is4(remote) {
		return ErrUnsupportedProto
	}
	return sendRaw(ctx, us.sock, local, remote, b)
}

func (us *unconnectedSocket) ReceiveInto(ctx context.Context, buf []byte) (int, netip.AddrPort, netip.AddrPort, error) {
	return receiveRaw(ctx, us.sock, netip.AddrPort{}, us.local, buf)
}

func (us *unconnectedSocket) Close() error { return us.sock.Close() }

func sendRaw(ctx context.Context, sock bootp.RawSocket, local, remote netip.AddrPort, data []byte) error {
	var frame [MTU]byte
	pkt, err := EncodeDatagram(frame[:], local, remote, func(payload []byte) (int, error) {
		if len(data) > len(payload) {
			return 0, ErrOverflow
		}
		return copy(payload, data), nil
	})
	if err != nil {
		return err
	}
	return sock.Send(ctx, pkt)
}

// receiveRaw reads link-layer payloads until one decodes as a UDP datagram
// matching the filters, then copies it into dst. Malformed and unrelated
// frames are skipped silently.
func receiveRaw(ctx context.Context, sock bootp.RawSocket, filterSrc, filterDst netip.AddrPort, dst []byte) (int, netip.AddrPort, netip.AddrPort, error) {
	var frame [MTU]byte
	for {
		n, err := sock.ReceiveInto(ctx, frame[:])
		if err != nil {
			return 0, netip.AddrPort{}, netip.AddrPort{}, err
		}
		src, dstAddr, payload, err := DecodeDatagram(frame[:n], filterSrc, filterDst)
		if err != nil || payload == nil {
			continue
		}
		if len(payload) > len(dst) {
			return 0, netip.AddrPort{}, netip.AddrPort{}, ErrOverflow
		}
		return copy(dst, payload), dstAddr, src, nil
	}
}

func is4(ap netip.AddrPort) bool {
	return ap.Addr().Unmap().Is4()
}
