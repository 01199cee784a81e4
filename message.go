package bootp

import (
	"encoding/binary"
	"net/netip"
)

// defaultParamReqList is the parameter request list sent with Discover and
// Request messages.
var defaultParamReqList = []byte{
	byte(OptSubnetMask),
	byte(OptRouter),
	byte(OptDNSServers),
	byte(OptDomainName),
	byte(OptHostName),
	byte(OptIPAddressLeaseTime),
}

// EncodeDiscover writes a complete DISCOVER request into dst and returns the
// number of bytes used. requested may be invalid to omit the requested
// address option. The broadcast flag is always set: a discovering client has
// no IP identity to receive unicast replies with.
func EncodeDiscover(dst []byte, xid uint32, mac [6]byte, secs uint16, requested netip.Addr) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	setRequestHeader(frm, xid, mac, secs, FlagBroadcast)
	opts := frm.OptionsPayload()
	nopt, err := EncodeOption(opts, OptMessageType, byte(MsgDiscover))
	if err != nil {
		return 0, err
	}
	n, err := EncodeOption(opts[nopt:], OptClientIdentifier, mac[:]...)
	nopt += n
	if err != nil {
		return 0, err
	}
	if requested.Is4() {
		addr := requested.As4()
		n, err = EncodeOption(opts[nopt:], OptRequestedIPaddress, addr[:]...)
		nopt += n
		if err != nil {
			return 0, err
		}
	}
	n, err = EncodeOption(opts[nopt:], OptParameterRequestList, defaultParamReqList...)
	nopt += n
	if err != nil {
		return 0, err
	}
	return endOptions(opts, nopt)
}

// EncodeRequest writes a complete REQUEST for addr into dst and returns the
// number of bytes used. Like Discover the broadcast flag is set; the
// requesting client has not applied the address yet.
func EncodeRequest(dst []byte, xid uint32, mac [6]byte, secs uint16, addr netip.Addr) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	setRequestHeader(frm, xid, mac, secs, FlagBroadcast)
	opts := frm.OptionsPayload()
	nopt, err := EncodeOption(opts, OptMessageType, byte(MsgRequest))
	if err != nil {
		return 0, err
	}
	n, err := EncodeOption(opts[nopt:], OptClientIdentifier, mac[:]...)
	nopt += n
	if err != nil {
		return 0, err
	}
	ip := addr.As4()
	n, err = EncodeOption(opts[nopt:], OptRequestedIPaddress, ip[:]...)
	nopt += n
	if err != nil {
		return 0, err
	}
	n, err = EncodeOption(opts[nopt:], OptParameterRequestList, defaultParamReqList...)
	nopt += n
	if err != nil {
		return 0, err
	}
	return endOptions(opts, nopt)
}

// EncodeRelease writes a RELEASE of addr into dst and returns the number of
// bytes used. Releases are unicast to the leasing server: ciaddr carries the
// released address and the broadcast flag is clear.
func EncodeRelease(dst []byte, xid uint32, mac [6]byte, secs uint16, addr netip.Addr) (int, error) {
	return encodeCeaseMessage(dst, xid, mac, secs, addr, MsgRelease)
}

// EncodeDecline writes a DECLINE of addr into dst and returns the number of
// bytes used. A client declines an address it found to be already in use.
func EncodeDecline(dst []byte, xid uint32, mac [6]byte, secs uint16, addr netip.Addr) (int, error) {
	return encodeCeaseMessage(dst, xid, mac, secs, addr, MsgDecline)
}

func encodeCeaseMessage(dst []byte, xid uint32, mac [6]byte, secs uint16, addr netip.Addr, msg MessageType) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	setRequestHeader(frm, xid, mac, secs, 0)
	ip := addr.As4()
	if msg == MsgRelease {
		*frm.CIAddr() = ip
	}
	opts := frm.OptionsPayload()
	nopt, err := EncodeOption(opts, OptMessageType, byte(msg))
	if err != nil {
		return 0, err
	}
	n, err := EncodeOption(opts[nopt:], OptClientIdentifier, mac[:]...)
	nopt += n
	if err != nil {
		return 0, err
	}
	if msg == MsgDecline {
		n, err = EncodeOption(opts[nopt:], OptRequestedIPaddress, ip[:]...)
		nopt += n
		if err != nil {
			return 0, err
		}
	}
	return endOptions(opts, nopt)
}

func setRequestHeader(frm Frame, xid uint32, mac [6]byte, secs uint16, flags Flags) {
	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetHardware(1, 6, 0)
	frm.SetXID(xid)
	frm.SetSecs(secs)
	frm.SetFlags(flags)
	copy(frm.CHAddrAs6()[:], mac[:])
	frm.SetMagicCookie(MagicCookie)
}

func endOptions(opts []byte, nopt int) (int, error) {
	if nopt >= len(opts) {
		return 0, ErrOptionsDontFit
	}
	opts[nopt] = byte(OptEnd)
	nopt++
	return OptionsOffset + nopt, nil
}

// IsOffer reports whether frm is an OFFER reply belonging to the transaction
// xid of the client with hardware address mac. Replies for other
// transactions or other clients are indistinguishable from broadcast noise
// and must be ignored.
func IsOffer(frm Frame, xid uint32, mac [6]byte) bool {
	return isReplyTo(frm, xid, mac) && frm.MessageType() == MsgOffer
}

// IsAck reports whether frm is an ACK reply for transaction xid of client mac.
func IsAck(frm Frame, xid uint32, mac [6]byte) bool {
	return isReplyTo(frm, xid, mac) && frm.MessageType() == MsgAck
}

// IsNak reports whether frm is a NAK reply for transaction xid of client mac.
func IsNak(frm Frame, xid uint32, mac [6]byte) bool {
	return isReplyTo(frm, xid, mac) && frm.MessageType() == MsgNak
}

func isReplyTo(frm Frame, xid uint32, mac [6]byte) bool {
	return frm.Op() == OpReply && frm.XID() == xid && *frm.CHAddrAs6() == mac
}

// Settings is the IP configuration extracted from a server's OFFER or ACK.
// The caller applies it to the network interface by platform-specific means.
// Fields other than Addr are zero valued when the server did not provide them.
type Settings struct {
	// Addr is the leased IP address (yiaddr).
	Addr netip.Addr
	// ServerAddr is the leasing server's identity (option 54).
	ServerAddr netip.Addr
	// LeaseSeconds is the lease duration (option 51). Zero when not provided.
	LeaseSeconds uint32
	Gateway      netip.Addr
	Subnet       netip.Addr
	DNS1         netip.Addr
	DNS2         netip.Addr
}

// ParseSettings extracts the IP configuration carried by a reply frame.
// The first occurrence of each option wins; duplicates and unknown options
// are ignored. The returned Settings does not reference the frame's buffer.
func ParseSettings(frm Frame) (s Settings) {
	s.Addr = netip.AddrFrom4(*frm.YIAddr())
	frm.ForEachOption(func(_ int, opt OptNum, data []byte) error {
		switch opt {
		case OptServerIdentification:
			setAddrOnce(&s.ServerAddr, data)
		case OptIPAddressLeaseTime:
			if s.LeaseSeconds == 0 && len(data) == 4 {
				s.LeaseSeconds = binary.BigEndian.Uint32(data)
			}
		case OptRouter:
			setAddrOnce(&s.Gateway, data[:min(len(data), 4)])
		case OptSubnetMask:
			setAddrOnce(&s.Subnet, data)
		case OptDNSServers:
			if len(data)%4 != 0 {
				return nil
			}
			if len(data) >= 4 {
				setAddrOnce(&s.DNS1, data[:4])
			}
			if len(data) >= 8 {
				setAddrOnce(&s.DNS2, data[4:8])
			}
		}
		return nil
	})
	return s
}

func setAddrOnce(dst *netip.Addr, data []byte) {
	if !dst.IsValid() && len(data) == 4 {
		*dst = netip.AddrFrom4([4]byte(data))
	}
}
