package bootp

import (
	"encoding/binary"
	"errors"
)

//go:generate stringer -type=Op,MessageType,ClientState -linecomment -output stringers.go

const (
	sizeHeader   = 44  // Fixed BOOTP fields up to and including chaddr.
	sizeSName    = 64  // Server name, part of BOOTP too.
	sizeBootFile = 128 // Boot file name, Legacy.
	// Magic Cookie offset measured from the start of the UDP payload.
	magicCookieOffset = sizeHeader + sizeSName + sizeBootFile
	// Expected Magic Cookie value.
	MagicCookie uint32 = 0x63825363
	// OptionsOffset is the DHCP options offset measured from the start of the UDP payload.
	OptionsOffset = magicCookieOffset + 4

	DefaultClientPort = 68
	DefaultServerPort = 67
)

// Op is the BOOTP message op code, the first byte of every frame.
type Op byte

const (
	opUndefined Op = iota // undefined
	OpRequest             // request
	OpReply               // reply
)

// MessageType is the value of the DHCP message type option (53), which
// selects how the rest of the frame is to be interpreted. See [RFC2132].
//
// [RFC2132]: https://tools.ietf.org/html/rfc2132
type MessageType uint8

const (
	msgUndefined MessageType = iota // undefined
	MsgDiscover                     // discover
	MsgOffer                        // offer
	MsgRequest                      // request
	MsgDecline                      // decline
	MsgAck                          // ack
	MsgNak                          // nak
	MsgRelease                      // release
	MsgInform                       // inform
)

// ClientState transition table during a lease negotiation:
//
//	StateInit      -> | Send out Discover  | -> StateSelecting
//	StateSelecting -> |Accept Offer+Request| -> StateRequesting
//	StateRequesting-> |    Receive Ack     | -> StateBound
//	StateBound     -> | lease/3 elapsed    | -> StateRenewing
type ClientState uint8

const (
	_ ClientState = iota
	// On clean slate boot, abort, NAK or decline enter the INIT state.
	StateInit // init
	// After sending out a Discover enter SELECTING.
	StateSelecting // selecting
	// After receiving a worthy offer and sending out request for offer enter REQUESTING.
	StateRequesting // requesting
	// On ACK to Request enter BOUND.
	StateBound // bound
	// When the renewal boundary of the lease passes enter RENEWING.
	StateRenewing // renewing
)

// Flags is the 16-bit BOOTP flags field. Only the broadcast bit is defined.
type Flags uint16

// FlagBroadcast requests servers and relay agents broadcast their replies,
// for clients that cannot yet receive unicast IP datagrams.
const FlagBroadcast Flags = 1 << 15

// IsBroadcast reports whether the broadcast bit is set.
func (f Flags) IsBroadcast() bool { return f&FlagBroadcast != 0 }

// OptNum is a DHCP option code. See [RFC2132].
type OptNum uint8

// DHCP options.
const (
	OptWordAligned           OptNum = 0   // word-aligned
	OptSubnetMask            OptNum = 1   // subnet mask
	OptTimeOffset            OptNum = 2   // Time offset in seconds from UTC
	OptRouter                OptNum = 3   // N/4 router addresses
	OptTimeServers           OptNum = 4   // N/4 time server addresses
	OptNameServers           OptNum = 5   // N/4 IEN-116 server addresses
	OptDNSServers            OptNum = 6   // N/4 DNS server addresses
	OptLogServers            OptNum = 7   // N/4 logging server addresses
	OptHostName              OptNum = 12  // Hostname string
	OptDomainName            OptNum = 15  // The DNS domain name of the client
	OptInterfaceMTUSize      OptNum = 26  // Interface MTU size
	OptBroadcastAddress      OptNum = 28  // Broadcast address
	OptNTPServersAddresses   OptNum = 42  // NTP servers addresses
	OptRequestedIPaddress    OptNum = 50  // Requested IP address
	OptIPAddressLeaseTime    OptNum = 51  // IP address lease time
	OptOptionOverload        OptNum = 52  // Overload "sname" or "file"
	OptMessageType           OptNum = 53  // DHCP message type.
	OptServerIdentification  OptNum = 54  // DHCP server identification
	OptParameterRequestList  OptNum = 55  // Parameter request list
	OptMessage               OptNum = 56  // DHCP error message
	OptMaximumMessageSize    OptNum = 57  // DHCP maximum message size
	OptRenewTimeValue        OptNum = 58  // DHCP renewal (T1) time
	OptRebindingTimeValue    OptNum = 59  // DHCP rebinding (T2) time
	OptVendorClassIdentifier OptNum = 60  // Vendor class identifier
	OptClientIdentifier      OptNum = 61  // Client identifier
	OptTFTPServerName        OptNum = 66  // TFTP server name
	OptBootfileName          OptNum = 67  // Bootfile name
	OptEnd                   OptNum = 255 // end
)

// AppendOption appends a DHCP option TLV to dst and returns the extended slice.
// Panics if data exceeds the option length field's range.
func AppendOption(dst []byte, opt OptNum, data ...byte) []byte {
	if len(data) > 255 {
		panic("bootp: option data too long")
	}
	dst = append(dst, byte(opt), byte(len(data)))
	dst = append(dst, data...)
	return dst
}

// EncodeOption writes a DHCP option TLV at the start of dst and returns the
// number of bytes written.
func EncodeOption(dst []byte, opt OptNum, data ...byte) (int, error) {
	if len(data) > 255 {
		return 0, errors.New("bootp: option data too long (>255)")
	} else if len(dst) < 2+len(data) {
		return 0, ErrOptionsDontFit
	}
	dst[0] = byte(opt)
	dst[1] = byte(len(data))
	copy(dst[2:], data)
	return 2 + len(data), nil
}

// EncodeOption16 writes a DHCP option with a big-endian 16-bit payload.
func EncodeOption16(dst []byte, opt OptNum, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return EncodeOption(dst, opt, buf[:]...)
}

// EncodeOption32 writes a DHCP option with a big-endian 32-bit payload.
func EncodeOption32(dst []byte, opt OptNum, v uint32) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return EncodeOption(dst, opt, buf[:]...)
}
