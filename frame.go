package bootp

import (
	"encoding/binary"
)

// NewFrame returns a new BOOTP/DHCPv4 Frame with data set to buf.
// An error is returned if the buffer size is smaller than 240.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < OptionsOffset {
		return Frame{}, ErrShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a BOOTP packet with DHCP option
// extensions and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC951] and [RFC2131].
//
// Frames do not own their data: option payloads returned by option
// accessors reference the backing buffer and are only valid while it is.
//
// [RFC951]: https://tools.ietf.org/html/rfc951
// [RFC2131]: https://tools.ietf.org/html/rfc2131
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

// OptionsPayload returns the options portion of the frame. May be zero lengthed.
func (frm Frame) OptionsPayload() []byte {
	return frm.buf[OptionsOffset:]
}

func (frm Frame) Op() Op      { return Op(frm.buf[0]) }
func (frm Frame) SetOp(op Op) { frm.buf[0] = byte(op) }

// Hardware returns the htype, hlen and hops fields. Ethernet is htype=1, hlen=6.
func (frm Frame) Hardware() (Type, Len, Hops uint8) {
	return frm.buf[1], frm.buf[2], frm.buf[3]
}

func (frm Frame) SetHardware(Type, Len, Hops uint8) {
	frm.buf[1], frm.buf[2], frm.buf[3] = Type, Len, Hops
}

// XID is the transaction ID. Is unique and constant for a DHCP request/response exchange of packets.
func (frm Frame) XID() uint32       { return binary.BigEndian.Uint32(frm.buf[4:8]) }
func (frm Frame) SetXID(xid uint32) { binary.BigEndian.PutUint32(frm.buf[4:8], xid) }

// Secs is seconds elapsed since the client began the exchange.
func (frm Frame) Secs() uint16        { return binary.BigEndian.Uint16(frm.buf[8:10]) }
func (frm Frame) SetSecs(secs uint16) { binary.BigEndian.PutUint16(frm.buf[8:10], secs) }

func (frm Frame) Flags() Flags         { return Flags(binary.BigEndian.Uint16(frm.buf[10:12])) }
func (frm Frame) SetFlags(flags Flags) { binary.BigEndian.PutUint16(frm.buf[10:12], uint16(flags)) }

// CIAddr is the client IP address. If the client has not obtained an IP
// address yet, this field is set to 0.
func (frm Frame) CIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[12:16])
}

// YIAddr is the IP address offered by the server to the client. Your (client) IP Address.
func (frm Frame) YIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[16:20])
}

// SIAddr is the IP address of the next server to use in bootstrap. This
// field is used in DHCPOFFER and DHCPACK messages.
func (frm Frame) SIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[20:24])
}

// GIAddr is the gateway IP address. Is also known as the Relay Agent IP Address.
func (frm Frame) GIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[24:28])
}

// CHAddrAs6 returns [Frame.CHAddr] but limited to first 6 bytes.
func (frm Frame) CHAddrAs6() *[6]byte {
	return (*[6]byte)(frm.buf[28 : 28+6])
}

// CHAddr is the client hardware address. Can be up to 16 bytes in length but
// is usually 6 bytes for Ethernet.
func (frm Frame) CHAddr() *[16]byte {
	return (*[16]byte)(frm.buf[28:44])
}

// SName is the legacy BOOTP server host name field, 64 bytes, zero padded.
func (frm Frame) SName() []byte {
	return frm.buf[sizeHeader : sizeHeader+sizeSName]
}

// BootFile is the legacy BOOTP boot file name field, 128 bytes, zero padded.
func (frm Frame) BootFile() []byte {
	return frm.buf[sizeHeader+sizeSName : sizeHeader+sizeSName+sizeBootFile]
}

// MagicCookie returns the magic cookie of the header. Expect this to always be [MagicCookie].
func (frm Frame) MagicCookie() uint32 { return binary.BigEndian.Uint32(frm.buf[magicCookieOffset:]) }

// SetMagicCookie sets the MagicCookie. Call this with [MagicCookie] to create a valid DHCP header.
func (frm Frame) SetMagicCookie(cookie uint32) {
	binary.BigEndian.PutUint32(frm.buf[magicCookieOffset:], cookie)
}

// ClearHeader zeros out the header contents, including sname and file.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:OptionsOffset] {
		frm.buf[i] = 0
	}
}

// ForEachOption iterates over all DHCPv4 options returning an error on a
// malformed option or when the user provided callback returns an error.
// Unknown option codes are surfaced with their raw payload; data slices
// borrow from the frame's buffer. If the callback is nil then only option
// buffer validation is performed. Iteration ends at the End(255) option;
// word-alignment padding (0) is skipped.
func (frm Frame) ForEachOption(fn func(off int, opt OptNum, data []byte) error) error {
	ptr := OptionsOffset
	if ptr > len(frm.buf) {
		return ErrShortFrame
	} else if len(frm.buf[ptr:]) == 0 {
		return ErrNoOptions
	}
	callback := fn != nil
	for ptr < len(frm.buf) {
		optnum := OptNum(frm.buf[ptr])
		if optnum == OptEnd {
			break
		} else if optnum == OptWordAligned {
			ptr++
			continue
		}
		if ptr+1 >= len(frm.buf) {
			return ErrBadOption // Option code with no length byte.
		}
		optlen := int(frm.buf[ptr+1])
		if ptr+2+optlen > len(frm.buf) {
			return ErrBadOption
		}
		if callback {
			if err := fn(ptr, optnum, frm.buf[ptr+2:ptr+2+optlen]); err != nil {
				return err
			}
		}
		ptr += optlen + 2
	}
	return nil
}

// Option returns the payload of the first occurrence of the given option
// and whether it was found. Later duplicates are ignored.
func (frm Frame) Option(opt OptNum) (data []byte, ok bool) {
	frm.ForEachOption(func(_ int, got OptNum, d []byte) error {
		if got == opt && !ok {
			data = d
			ok = true
		}
		return nil
	})
	return data, ok
}

// MessageType returns the value of the message type option (53) or the
// undefined zero value when absent or malformed.
func (frm Frame) MessageType() MessageType {
	data, ok := frm.Option(OptMessageType)
	if !ok || len(data) != 1 {
		return msgUndefined
	}
	return MessageType(data[0])
}

// Validate checks the fixed header and walks the option stream, returning a
// non-nil error on the first inconsistency found. A frame that does not
// validate must not be interpreted further.
func (frm Frame) Validate() error {
	if frm.MagicCookie() != MagicCookie {
		return ErrBadMagicCookie
	}
	_, hlen, _ := frm.Hardware()
	if hlen > 16 {
		return ErrBadHardwareLen
	}
	return frm.ForEachOption(nil)
}
