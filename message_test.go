package bootp

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func invalidAddr() netip.Addr { return netip.Addr{} }

func TestEncodeDiscover(t *testing.T) {
	mac := [6]byte{0x02, 0, 0, 0, 0, 0x01}
	buf := make([]byte, 600)
	n, err := EncodeDiscover(buf, 0xcafe, mac, 3, invalidAddr())
	if err != nil {
		t.Fatal(err)
	}
	frm, err := NewFrame(buf[:n])
	if err != nil {
		t.Fatal(err)
	} else if err := frm.Validate(); err != nil {
		t.Fatal(err)
	}
	if frm.Op() != OpRequest {
		t.Errorf("want op request, got %s", frm.Op().String())
	}
	if frm.XID() != 0xcafe {
		t.Errorf("want xid 0xcafe, got %#x", frm.XID())
	}
	if frm.Secs() != 3 {
		t.Errorf("want secs 3, got %d", frm.Secs())
	}
	if !frm.Flags().IsBroadcast() {
		t.Error("discover must set the broadcast flag")
	}
	if *frm.CHAddrAs6() != mac {
		t.Errorf("chaddr mismatch: %x", *frm.CHAddrAs6())
	}
	if frm.MessageType() != MsgDiscover {
		t.Errorf("want discover, got %s", frm.MessageType().String())
	}
	cid, ok := frm.Option(OptClientIdentifier)
	if !ok || !bytes.Equal(cid, mac[:]) {
		t.Errorf("client identifier: %x ok=%v", cid, ok)
	}
	if _, ok := frm.Option(OptRequestedIPaddress); ok {
		t.Error("requested IP present without a requested address")
	}
	prl, ok := frm.Option(OptParameterRequestList)
	if !ok {
		t.Fatal("no parameter request list")
	}
	for _, want := range []OptNum{OptSubnetMask, OptRouter, OptDNSServers, OptDomainName, OptHostName, OptIPAddressLeaseTime} {
		if !bytes.ContainsRune(prl, rune(want)) {
			t.Errorf("parameter request list missing %d", want)
		}
	}

	// A requested address is carried when supplied.
	n, err = EncodeDiscover(buf, 0xcafe, mac, 0, netip.AddrFrom4([4]byte{10, 0, 0, 9}))
	if err != nil {
		t.Fatal(err)
	}
	frm, _ = NewFrame(buf[:n])
	req, ok := frm.Option(OptRequestedIPaddress)
	if !ok || !bytes.Equal(req, []byte{10, 0, 0, 9}) {
		t.Errorf("requested IP: %v ok=%v", req, ok)
	}
}

func TestEncodeRequest(t *testing.T) {
	mac := [6]byte{0x02, 0, 0, 0, 0, 0x02}
	addr := netip.AddrFrom4([4]byte{192, 168, 1, 10})
	buf := make([]byte, 600)
	n, err := EncodeRequest(buf, 7, mac, 0, addr)
	if err != nil {
		t.Fatal(err)
	}
	frm, _ := NewFrame(buf[:n])
	if err := frm.Validate(); err != nil {
		t.Fatal(err)
	}
	if frm.MessageType() != MsgRequest {
		t.Errorf("want request, got %s", frm.MessageType().String())
	}
	if !frm.Flags().IsBroadcast() {
		t.Error("request must set the broadcast flag")
	}
	req, ok := frm.Option(OptRequestedIPaddress)
	if !ok || !bytes.Equal(req, []byte{192, 168, 1, 10}) {
		t.Errorf("requested IP: %v ok=%v", req, ok)
	}
	if *frm.CIAddr() != ([4]byte{}) {
		t.Error("request must not fill ciaddr")
	}
}

func TestEncodeReleaseAndDecline(t *testing.T) {
	mac := [6]byte{0x02, 0, 0, 0, 0, 0x03}
	addr := netip.AddrFrom4([4]byte{192, 168, 1, 11})
	buf := make([]byte, 600)

	n, err := EncodeRelease(buf, 9, mac, 0, addr)
	if err != nil {
		t.Fatal(err)
	}
	frm, _ := NewFrame(buf[:n])
	if frm.MessageType() != MsgRelease {
		t.Errorf("want release, got %s", frm.MessageType().String())
	}
	if *frm.CIAddr() != ([4]byte{192, 168, 1, 11}) {
		t.Errorf("release carries the address in ciaddr, got %v", *frm.CIAddr())
	}
	if frm.Flags().IsBroadcast() {
		t.Error("release is unicast; broadcast flag must be clear")
	}

	n, err = EncodeDecline(buf, 10, mac, 0, addr)
	if err != nil {
		t.Fatal(err)
	}
	frm, _ = NewFrame(buf[:n])
	if frm.MessageType() != MsgDecline {
		t.Errorf("want decline, got %s", frm.MessageType().String())
	}
	req, ok := frm.Option(OptRequestedIPaddress)
	if !ok || !bytes.Equal(req, []byte{192, 168, 1, 11}) {
		t.Errorf("declined address: %v ok=%v", req, ok)
	}
	if *frm.CIAddr() != ([4]byte{}) {
		t.Error("decline must not fill ciaddr")
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	_, err := EncodeDiscover(make([]byte, OptionsOffset-1), 1, mac, 0, invalidAddr())
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("want ErrShortFrame, got %v", err)
	}
	// Room for the header but not the options.
	_, err = EncodeDiscover(make([]byte, OptionsOffset+4), 1, mac, 0, invalidAddr())
	if !errors.Is(err, ErrOptionsDontFit) {
		t.Errorf("want ErrOptionsDontFit, got %v", err)
	}
}

// makeReply fabricates a server reply the way a peer on the wire would.
func makeReply(tb testing.TB, xid uint32, mac [6]byte, msg MessageType, yiaddr [4]byte, extra func(opts []byte) int) []byte {
	tb.Helper()
	buf := make([]byte, 600)
	frm, err := NewFrame(buf)
	if err != nil {
		tb.Fatal(err)
	}
	frm.ClearHeader()
	frm.SetOp(OpReply)
	frm.SetHardware(1, 6, 0)
	frm.SetXID(xid)
	*frm.YIAddr() = yiaddr
	copy(frm.CHAddrAs6()[:], mac[:])
	frm.SetMagicCookie(MagicCookie)
	opts := frm.OptionsPayload()
	n, _ := EncodeOption(opts, OptMessageType, byte(msg))
	if extra != nil {
		n += extra(opts[n:])
	}
	opts[n] = byte(OptEnd)
	n++
	return buf[:OptionsOffset+n]
}

func TestClassifiers(t *testing.T) {
	const xid = 0xfeed
	mac := [6]byte{0x02, 0, 0, 0, 0, 0x01}
	otherMAC := [6]byte{0x02, 0, 0, 0, 0, 0x02}
	yiaddr := [4]byte{192, 168, 1, 10}

	offer := makeReply(t, xid, mac, MsgOffer, yiaddr, nil)
	frm, _ := NewFrame(offer)
	if !IsOffer(frm, xid, mac) {
		t.Error("offer not recognized")
	}
	if IsAck(frm, xid, mac) || IsNak(frm, xid, mac) {
		t.Error("offer misclassified")
	}
	// Transaction id binding: any other xid is ignored no matter the contents.
	if IsOffer(frm, xid+1, mac) {
		t.Error("offer accepted with mismatched xid")
	}
	// MAC filtering: replies to other clients are ignored.
	if IsOffer(frm, xid, otherMAC) {
		t.Error("offer accepted with mismatched chaddr")
	}
	// A request (op) is never a reply.
	frm.SetOp(OpRequest)
	if IsOffer(frm, xid, mac) {
		t.Error("op=request classified as reply")
	}

	ack := makeReply(t, xid, mac, MsgAck, yiaddr, nil)
	frm, _ = NewFrame(ack)
	if !IsAck(frm, xid, mac) || IsOffer(frm, xid, mac) {
		t.Error("ack misclassified")
	}
	nak := makeReply(t, xid, mac, MsgNak, [4]byte{}, nil)
	frm, _ = NewFrame(nak)
	if !IsNak(frm, xid, mac) || IsAck(frm, xid, mac) {
		t.Error("nak misclassified")
	}
}

func TestParseSettings(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	reply := makeReply(t, 1, mac, MsgAck, [4]byte{192, 168, 1, 10}, func(opts []byte) int {
		n, _ := EncodeOption(opts, OptServerIdentification, 192, 168, 1, 1)
		nn, _ := EncodeOption32(opts[n:], OptIPAddressLeaseTime, 3600)
		n += nn
		nn, _ = EncodeOption(opts[n:], OptSubnetMask, 255, 255, 255, 0)
		n += nn
		nn, _ = EncodeOption(opts[n:], OptRouter, 192, 168, 1, 1, 192, 168, 1, 2) // Two routers: first wins.
		n += nn
		nn, _ = EncodeOption(opts[n:], OptDNSServers, 8, 8, 8, 8, 1, 1, 1, 1)
		n += nn
		nn, _ = EncodeOption(opts[n:], OptSubnetMask, 255, 0, 0, 0) // Duplicate: ignored.
		n += nn
		return n
	})
	frm, _ := NewFrame(reply)
	s := ParseSettings(frm)
	want := Settings{
		Addr:         netip.AddrFrom4([4]byte{192, 168, 1, 10}),
		ServerAddr:   netip.AddrFrom4([4]byte{192, 168, 1, 1}),
		LeaseSeconds: 3600,
		Gateway:      netip.AddrFrom4([4]byte{192, 168, 1, 1}),
		Subnet:       netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		DNS1:         netip.AddrFrom4([4]byte{8, 8, 8, 8}),
		DNS2:         netip.AddrFrom4([4]byte{1, 1, 1, 1}),
	}
	if s != want {
		t.Errorf("settings mismatch:\ngot  %+v\nwant %+v", s, want)
	}
}

func TestParseSettingsSparse(t *testing.T) {
	// A minimal ACK without configuration options yields only the address.
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	reply := makeReply(t, 1, mac, MsgAck, [4]byte{10, 0, 0, 5}, nil)
	frm, _ := NewFrame(reply)
	s := ParseSettings(frm)
	if s.Addr != netip.AddrFrom4([4]byte{10, 0, 0, 5}) {
		t.Errorf("addr: %v", s.Addr)
	}
	if s.ServerAddr.IsValid() || s.Gateway.IsValid() || s.Subnet.IsValid() || s.DNS1.IsValid() || s.DNS2.IsValid() {
		t.Errorf("absent options must stay invalid: %+v", s)
	}
	if s.LeaseSeconds != 0 {
		t.Errorf("lease: %d", s.LeaseSeconds)
	}
}
