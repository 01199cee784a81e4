// Package rawudp presents a UDP send/receive surface over a link-layer
// socket by synthesizing IPv4+UDP headers outbound and filtering and
// stripping them inbound. DHCP needs it: a host negotiating its first
// address has no IP identity for an OS UDP socket to bind.
package rawudp

import (
	"errors"
	"net/netip"

	"github.com/soypat/bootp/internal"
)

var (
	// ErrChecksum is returned for packets whose IPv4 header checksum or
	// nonzero UDP checksum does not match their content.
	ErrChecksum = errors.New("rawudp: bad checksum")
	// ErrOverflow is returned when a payload does not fit the destination buffer.
	ErrOverflow = errors.New("rawudp: buffer overflow")
	// ErrUnsupportedProto is returned when a non-IPv4 address is supplied.
	ErrUnsupportedProto = errors.New("rawudp: address is not IPv4")

	errBadIHL    = errors.New("rawudp: bad IHL")
	errBadLength = errors.New("rawudp: length field exceeds packet")
)

// EncodeDatagram writes a complete IPv4+UDP packet addressed src→dst into
// buf. fill is called with the payload portion of buf and returns how many
// payload bytes it wrote; header length fields and checksums are computed
// afterwards. The returned slice is the prefix of buf holding the packet.
func EncodeDatagram(buf []byte, src, dst netip.AddrPort, fill func(payload []byte) (int, error)) ([]byte, error) {
	srcAddr, ok := addr4(src)
	if !ok {
		return nil, ErrUnsupportedProto
	}
	dstAddr, ok := addr4(dst)
	if !ok {
		return nil, ErrUnsupportedProto
	}
	const headers = sizeIPv4Header + sizeUDPHeader
	if len(buf) < headers {
		return nil, ErrOverflow
	}
	n, err := fill(buf[headers:])
	if err != nil {
		return nil, err
	}
	total := headers + n
	if total > len(buf) || total > 0xffff {
		return nil, ErrOverflow
	}
	ifrm, _ := NewIPv4Frame(buf)
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(total))
	ifrm.SetID(internal.Prand16(uint16(total) ^ src.Port() ^ dst.Port()))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(protoUDP)
	*ifrm.SourceAddr() = srcAddr
	*ifrm.DestinationAddr() = dstAddr
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	ufrm, _ := NewUDPFrame(buf[sizeIPv4Header:total])
	ufrm.ClearHeader()
	ufrm.SetSourcePort(src.Port())
	ufrm.SetDestinationPort(dst.Port())
	ufrm.SetLength(uint16(sizeUDPHeader + n))
	ufrm.SetCRC(neverZeroChecksum(ufrm.CalculateChecksumIPv4(ifrm)))
	return buf[:total], nil
}

// DecodeDatagram validates pkt as an IPv4+UDP packet and strips its headers.
// A nil payload with nil error means the packet is not IPv4/UDP or did not
// match the supplied filters and should be skipped; DHCP shares its ports
// with arbitrary broadcast traffic. Invalid filter addresses, unspecified
// filter addresses and zero filter ports match anything. The returned
// payload borrows from pkt.
func DecodeDatagram(pkt []byte, filterSrc, filterDst netip.AddrPort) (src, dst netip.AddrPort, payload []byte, err error) {
	var none netip.AddrPort
	if len(pkt) < sizeIPv4Header {
		return none, none, nil, nil
	}
	ifrm, _ := NewIPv4Frame(pkt)
	version, ihl := ifrm.VersionAndIHL()
	if version != 4 {
		return none, none, nil, nil
	}
	if ihl < 5 {
		return none, none, nil, errBadIHL
	}
	hl := ifrm.HeaderLength()
	tl := int(ifrm.TotalLength())
	if tl < hl || tl > len(pkt) || hl > len(pkt) {
		return none, none, nil, errBadLength
	}
	if ifrm.CalculateHeaderCRC() != ifrm.CRC() {
		return none, none, nil, ErrChecksum
	}
	if ifrm.Protocol() != protoUDP {
		return none, none, nil, nil
	}
	udpData := pkt[hl:tl]
	ufrm, err := NewUDPFrame(udpData)
	if err != nil {
		return none, none, nil, err
	}
	ul := int(ufrm.Length())
	if ul < sizeUDPHeader || ul > len(udpData) {
		return none, none, nil, errBadLength
	}
	src = netip.AddrPortFrom(netip.AddrFrom4(*ifrm.SourceAddr()), ufrm.SourcePort())
	dst = netip.AddrPortFrom(netip.AddrFrom4(*ifrm.DestinationAddr()), ufrm.DestinationPort())
	if !filterMatch(filterSrc, src) || !filterMatch(filterDst, dst) {
		return none, none, nil, nil
	}
	// A zero UDP checksum means the sender computed none; accept unchecked.
	if crc := ufrm.CRC(); crc != 0 {
		if neverZeroChecksum(ufrm.CalculateChecksumIPv4(ifrm)) != crc {
			return none, none, nil, ErrChecksum
		}
	}
	return src, dst, ufrm.Payload(), nil
}

func filterMatch(filter, got netip.AddrPort) bool {
	if !filter.IsValid() {
		return true
	}
	if filter.Port() != 0 && filter.Port() != got.Port() {
		return false
	}
	addr := filter.Addr().Unmap()
	return addr.IsUnspecified() || addr == got.Addr()
}

func addr4(ap netip.AddrPort) ([4]byte, bool) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return [4]byte{}, false
	}
	return addr.As4(), true
}
