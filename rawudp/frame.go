package rawudp

import (
	"encoding/binary"
	"errors"
)

const (
	sizeIPv4Header = 20
	sizeUDPHeader  = 8
	// protoUDP is the IPv4 protocol number of UDP.
	protoUDP = 17
	// MTU is the size of the transient frame buffer the adapter encodes and
	// decodes through, the classic Ethernet maximum transmission unit.
	MTU = 1500
)

var (
	errShortIPv4 = errors.New("rawudp: short IPv4 buffer")
	errShortUDP  = errors.New("rawudp: short UDP buffer")
)

// NewIPv4Frame returns a new IPv4Frame with data set to buf.
// An error is returned if the buffer size is smaller than 20.
func NewIPv4Frame(buf []byte) (IPv4Frame, error) {
	if len(buf) < sizeIPv4Header {
		return IPv4Frame{}, errShortIPv4
	}
	return IPv4Frame{buf: buf}, nil
}

// IPv4Frame encapsulates the raw data of an IPv4 packet
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC791].
//
// [RFC791]: https://tools.ietf.org/html/rfc791
type IPv4Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (ifrm IPv4Frame) RawData() []byte { return ifrm.buf }

// HeaderLength returns the length of the IPv4 header as calculated using IHL. It includes IP options.
func (ifrm IPv4Frame) HeaderLength() int {
	return int(ifrm.ihl()) * 4
}

func (ifrm IPv4Frame) ihl() uint8 { return ifrm.buf[0] & 0xf }

// VersionAndIHL returns the version and IHL fields in the IPv4 header. Version should always be 4.
func (ifrm IPv4Frame) VersionAndIHL() (version, IHL uint8) {
	v := ifrm.buf[0]
	return v >> 4, v & 0xf
}

// SetVersionAndIHL sets the version and IHL fields in the IPv4 header. Version should always be 4.
func (ifrm IPv4Frame) SetVersionAndIHL(version, IHL uint8) { ifrm.buf[0] = version<<4 | IHL&0xf }

// TotalLength defines the entire packet size in bytes, including IP header and data.
func (ifrm IPv4Frame) TotalLength() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[2:4])
}

// SetTotalLength sets TotalLength field. See [IPv4Frame.TotalLength].
func (ifrm IPv4Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(ifrm.buf[2:4], tl) }

// ID is an identification field primarily used for uniquely
// identifying the group of fragments of a single IP datagram.
func (ifrm IPv4Frame) ID() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[4:6])
}

// SetID sets ID field. See [IPv4Frame.ID].
func (ifrm IPv4Frame) SetID(id uint16) { binary.BigEndian.PutUint16(ifrm.buf[4:6], id) }

// TTL is the time to live field limiting a datagram's lifetime to prevent
// network failure in the event of a routing loop.
func (ifrm IPv4Frame) TTL() uint8 { return ifrm.buf[8] }

// SetTTL sets the IP frame's TTL field. See [IPv4Frame.TTL].
func (ifrm IPv4Frame) SetTTL(ttl uint8) { ifrm.buf[8] = ttl }

// Protocol field defines the protocol used in the data portion of the IP datagram. TCP is 6, UDP is 17.
func (ifrm IPv4Frame) Protocol() uint8 { return ifrm.buf[9] }

// SetProtocol sets protocol field. See [IPv4Frame.Protocol].
func (ifrm IPv4Frame) SetProtocol(proto uint8) { ifrm.buf[9] = proto }

// CRC returns the cyclic-redundancy-check (checksum) field of the IPv4 header.
func (ifrm IPv4Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[10:12])
}

// SetCRC sets the CRC field of the IP packet. See [IPv4Frame.CRC].
func (ifrm IPv4Frame) SetCRC(cs uint16) {
	binary.BigEndian.PutUint16(ifrm.buf[10:12], cs)
}

// CalculateHeaderCRC calculates the header checksum for this IPv4 frame,
// skipping over the checksum field itself.
func (ifrm IPv4Frame) CalculateHeaderCRC() uint16 {
	var crc checksum791
	crc.addWords(ifrm.buf[0:10])
	crc.addWords(ifrm.buf[12:20])
	return crc.sum16()
}

// SourceAddr returns pointer to the source IPv4 address in the IP header.
func (ifrm IPv4Frame) SourceAddr() *[4]byte {
	return (*[4]byte)(ifrm.buf[12:16])
}

// DestinationAddr returns pointer to the destination IPv4 address in the IP header.
func (ifrm IPv4Frame) DestinationAddr() *[4]byte {
	return (*[4]byte)(ifrm.buf[16:20])
}

// Payload returns the contents of the IPv4 packet, which may be zero sized.
func (ifrm IPv4Frame) Payload() []byte {
	off := ifrm.HeaderLength()
	l := ifrm.TotalLength()
	return ifrm.buf[off:l]
}

// ClearHeader zeros out the fixed(non-variable) header contents.
func (ifrm IPv4Frame) ClearHeader() {
	for i := range ifrm.buf[:sizeIPv4Header] {
		ifrm.buf[i] = 0
	}
}

// NewUDPFrame returns a new UDPFrame with data set to buf.
// An error is returned if the buffer size is smaller than 8.
func NewUDPFrame(buf []byte) (UDPFrame, error) {
	if len(buf) < sizeUDPHeader {
		return UDPFrame{}, errShortUDP
	}
	return UDPFrame{buf: buf}, nil
}

// UDPFrame encapsulates the raw data of a UDP datagram
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC768].
//
// [RFC768]: https://tools.ietf.org/html/rfc768
type UDPFrame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (ufrm UDPFrame) RawData() []byte { return ufrm.buf }

// SourcePort identifies the sending port for the UDP packet.
func (ufrm UDPFrame) SourcePort() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[0:2])
}

// SetSourcePort sets UDP source port. See [UDPFrame.SourcePort]
func (ufrm UDPFrame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[0:2], src)
}

// DestinationPort identifies the receiving port for the UDP packet. Must be non-zero.
func (ufrm UDPFrame) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[2:4])
}

// SetDestinationPort sets UDP destination port. See [UDPFrame.DestinationPort]
func (ufrm UDPFrame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[2:4], dst)
}

// Length specifies length in bytes of UDP header and UDP payload. The minimum length
// is 8 bytes (UDP header length). This field should match the result of the IP header
// TotalLength field minus the IP header size: udp.Length == ip.TotalLength - 4*ip.IHL
func (ufrm UDPFrame) Length() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[4:6])
}

// SetLength sets the UDP header's length field. See [UDPFrame.Length].
func (ufrm UDPFrame) SetLength(length uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[4:6], length)
}

// CRC returns the checksum field in the UDP header.
func (ufrm UDPFrame) CRC() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[6:8])
}

// SetCRC sets the UDP header's CRC field. See [UDPFrame.CRC].
func (ufrm UDPFrame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[6:8], checksum)
}

// Payload returns the payload content section of the UDP packet.
func (ufrm UDPFrame) Payload() []byte {
	l := ufrm.Length()
	return ufrm.buf[sizeUDPHeader:l]
}

// CalculateChecksumIPv4 computes the UDP checksum over the IPv4
// pseudo-header of ifrm, the UDP header and the payload. The checksum field
// itself is excluded from the computation.
func (ufrm UDPFrame) CalculateChecksumIPv4(ifrm IPv4Frame) uint16 {
	var crc checksum791
	crc.addWords(ifrm.SourceAddr()[:])
	crc.addWords(ifrm.DestinationAddr()[:])
	crc.addUint16(uint16(ifrm.Protocol()))
	crc.addUint16(ufrm.Length()) // Pseudo-header length.
	crc.addWords(ufrm.buf[0:6])  // Ports and the length field again.
	crc.addWords(ufrm.Payload())
	return crc.sum16()
}

// ClearHeader zeros out the header contents.
func (ufrm UDPFrame) ClearHeader() {
	for i := range ufrm.buf[:sizeUDPHeader] {
		ufrm.buf[i] = 0
	}
}

// checksum791 accumulates the 16-bit ones' complement sum used by the IPv4
// header and UDP checksums (RFC 791, RFC 768). An odd trailing octet is
// padded with zeros. The zero value is ready to use.
type checksum791 struct {
	sum uint32
}

func (c *checksum791) addWords(buf []byte) {
	for len(buf) >= 2 {
		c.sum += uint32(buf[0])<<8 | uint32(buf[1])
		buf = buf[2:]
	}
	if len(buf) == 1 {
		c.sum += uint32(buf[0]) << 8
	}
}

func (c *checksum791) addUint16(v uint16) { c.sum += uint32(v) }

// sum16 folds the carries and returns the ones' complement of the sum.
func (c *checksum791) sum16() uint16 {
	s := c.sum
	for s > 0xffff {
		s = s&0xffff + s>>16
	}
	return ^uint16(s)
}

// neverZeroChecksum maps a computed zero to 0xffff. RFC 768 reserves a
// transmitted checksum of zero to mean none was computed; 0x0000 and 0xffff
// are the same number in ones' complement math.
func neverZeroChecksum(sum16 uint16) uint16 {
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
