package rawudp

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func mustEncode(tb testing.TB, src, dst netip.AddrPort, payload []byte) []byte {
	tb.Helper()
	buf := make([]byte, MTU)
	pkt, err := EncodeDatagram(buf, src, dst, func(b []byte) (int, error) {
		return copy(b, payload), nil
	})
	if err != nil {
		tb.Fatal(err)
	}
	return pkt
}

func ap(a, b, c, d byte, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{a, b, c, d}), port)
}

func TestIPv4HeaderChecksumReference(t *testing.T) {
	// Classic worked example: checksum of this header is 0xb861.
	header := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, // checksum zeroed
		0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	ifrm, err := NewIPv4Frame(header)
	if err != nil {
		t.Fatal(err)
	}
	if crc := ifrm.CalculateHeaderCRC(); crc != 0xb861 {
		t.Errorf("want checksum 0xb861, got %#04x", crc)
	}
}

func TestUDPChecksumReference(t *testing.T) {
	// Hand-computed vector: 10.0.0.1:67 -> 10.0.0.2:68 carrying "hi".
	// Pseudo-header + UDP header + payload words sum to 0x7d18, whose
	// ones' complement is 0x82e7.
	pkt := mustEncode(t, ap(10, 0, 0, 1, 67), ap(10, 0, 0, 2, 68), []byte("hi"))
	ufrm, err := NewUDPFrame(pkt[sizeIPv4Header:])
	if err != nil {
		t.Fatal(err)
	}
	if crc := ufrm.CRC(); crc != 0x82e7 {
		t.Errorf("want UDP checksum 0x82e7, got %#04x", crc)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := ap(192, 168, 1, 5, 68)
	dst := ap(192, 168, 1, 1, 67)
	payload := []byte("bootp payload of odd length.")
	pkt := mustEncode(t, src, dst, payload)

	gotSrc, gotDst, gotPayload, err := DecodeDatagram(pkt, netip.AddrPort{}, netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	if gotPayload == nil {
		t.Fatal("packet filtered out with no filters")
	}
	if gotSrc != src || gotDst != dst {
		t.Errorf("addresses: %v -> %v", gotSrc, gotDst)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload: %q", gotPayload)
	}
}

func TestDecodeFilters(t *testing.T) {
	src := ap(192, 168, 1, 1, 67)
	dst := ap(192, 168, 1, 5, 68)
	pkt := mustEncode(t, src, dst, []byte("filtered"))

	t.Run("port mismatch skips", func(t *testing.T) {
		// Frame destined to port 68 does not match a port 67 filter.
		_, _, payload, err := DecodeDatagram(pkt, netip.AddrPort{}, ap(0, 0, 0, 0, 67))
		if err != nil || payload != nil {
			t.Errorf("want silent skip, got payload=%v err=%v", payload, err)
		}
	})
	t.Run("unspecified addr matches any", func(t *testing.T) {
		_, _, payload, err := DecodeDatagram(pkt, netip.AddrPort{}, ap(0, 0, 0, 0, 68))
		if err != nil || payload == nil {
			t.Errorf("want match, got payload=%v err=%v", payload, err)
		}
	})
	t.Run("zero port matches any", func(t *testing.T) {
		_, _, payload, err := DecodeDatagram(pkt, ap(192, 168, 1, 1, 0), netip.AddrPort{})
		if err != nil || payload == nil {
			t.Errorf("want match, got payload=%v err=%v", payload, err)
		}
	})
	t.Run("addr mismatch skips", func(t *testing.T) {
		_, _, payload, err := DecodeDatagram(pkt, ap(10, 0, 0, 1, 67), netip.AddrPort{})
		if err != nil || payload != nil {
			t.Errorf("want silent skip, got payload=%v err=%v", payload, err)
		}
	})
}

func TestDecodeChecksumTamper(t *testing.T) {
	src := ap(192, 168, 1, 1, 67)
	dst := ap(192, 168, 1, 5, 68)

	t.Run("IPv4 header", func(t *testing.T) {
		pkt := mustEncode(t, src, dst, []byte("tampered"))
		pkt[8] ^= 0xff // TTL byte.
		_, _, _, err := DecodeDatagram(pkt, netip.AddrPort{}, netip.AddrPort{})
		if !errors.Is(err, ErrChecksum) {
			t.Errorf("want ErrChecksum, got %v", err)
		}
	})
	t.Run("UDP payload", func(t *testing.T) {
		pkt := mustEncode(t, src, dst, []byte("tampered"))
		pkt[len(pkt)-1] ^= 0xff
		_, _, _, err := DecodeDatagram(pkt, netip.AddrPort{}, netip.AddrPort{})
		if !errors.Is(err, ErrChecksum) {
			t.Errorf("want ErrChecksum, got %v", err)
		}
	})
	t.Run("zero UDP checksum accepted unchecked", func(t *testing.T) {
		pkt := mustEncode(t, src, dst, []byte("tampered"))
		ufrm, _ := NewUDPFrame(pkt[sizeIPv4Header:])
		ufrm.SetCRC(0)
		pkt[len(pkt)-1] ^= 0xff
		_, _, payload, err := DecodeDatagram(pkt, netip.AddrPort{}, netip.AddrPort{})
		if err != nil || payload == nil {
			t.Errorf("zero checksum must be accepted: payload=%v err=%v", payload, err)
		}
	})
}

func TestDecodeNotUDPOrIPv4(t *testing.T) {
	src := ap(192, 168, 1, 1, 67)
	dst := ap(192, 168, 1, 5, 68)

	t.Run("TCP skipped", func(t *testing.T) {
		pkt := mustEncode(t, src, dst, []byte("nope"))
		ifrm, _ := NewIPv4Frame(pkt)
		ifrm.SetProtocol(6)
		ifrm.SetCRC(ifrm.CalculateHeaderCRC())
		_, _, payload, err := DecodeDatagram(pkt, netip.AddrPort{}, netip.AddrPort{})
		if err != nil || payload != nil {
			t.Errorf("want silent skip, got payload=%v err=%v", payload, err)
		}
	})
	t.Run("IPv6 skipped", func(t *testing.T) {
		pkt := mustEncode(t, src, dst, []byte("nope"))
		pkt[0] = 6<<4 | 5
		_, _, payload, err := DecodeDatagram(pkt, netip.AddrPort{}, netip.AddrPort{})
		if err != nil || payload != nil {
			t.Errorf("want silent skip, got payload=%v err=%v", payload, err)
		}
	})
	t.Run("runt skipped", func(t *testing.T) {
		_, _, payload, err := DecodeDatagram([]byte{0x45, 0}, netip.AddrPort{}, netip.AddrPort{})
		if err != nil || payload != nil {
			t.Errorf("want silent skip, got payload=%v err=%v", payload, err)
		}
	})
}

func TestEncodeErrors(t *testing.T) {
	v6 := netip.AddrPortFrom(netip.MustParseAddr("fe80::1"), 68)
	_, err := EncodeDatagram(make([]byte, MTU), v6, ap(10, 0, 0, 1, 67), nil)
	if !errors.Is(err, ErrUnsupportedProto) {
		t.Errorf("want ErrUnsupportedProto, got %v", err)
	}
	_, err = EncodeDatagram(make([]byte, 10), ap(10, 0, 0, 2, 68), ap(10, 0, 0, 1, 67), nil)
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("want ErrOverflow, got %v", err)
	}
}
