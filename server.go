package bootp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/bootp/internal"
)

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Addr is the listening UDP address. Zero value means 0.0.0.0:67.
	Addr netip.AddrPort
	// IP is the server's own address, sent as the server identifier.
	IP netip.Addr
	// Gateways are advertised as routers in offers and acks.
	Gateways []netip.Addr
	// Subnet is the advertised subnet mask. May be invalid to omit.
	Subnet netip.Addr
	// DNS servers advertised to clients.
	DNS []netip.Addr
	// RangeStart and RangeEnd bound the leased address pool, inclusive.
	RangeStart, RangeEnd netip.Addr
	// LeaseSeconds is the duration of granted leases. Zero means 3600.
	LeaseSeconds uint32
	// MaxLeases caps the lease table. Zero means 16. The table never grows
	// past this after construction.
	MaxLeases int
	Logger    *slog.Logger
}

// Lease is a server's commitment that Addr is reserved for MAC until Expiry.
type Lease struct {
	MAC    [6]byte
	Addr   netip.Addr
	Expiry time.Time
}

type serverLease struct {
	expiry time.Time
	hwaddr [6]byte
	addr   [4]byte
}

// Declined addresses are held against this synthetic hardware address until
// their expiry so they are not handed out again right away.
var poisonedMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

const defaultMaxLeases = 16

// Server maintains a bounded pool of IPv4 leases and answers BOOTP requests
// over a [UDPStack]. A Server is not safe for concurrent use.
type Server struct {
	stack      UDPStack
	buf        []byte
	local      netip.AddrPort
	leases     []serverLease // Capacity fixed at construction.
	gwOpt      []byte        // Router option payload, N*4 bytes.
	dnsOpt     []byte        // DNS option payload, N*4 bytes.
	leaseSecs  uint32
	rangeStart uint32
	rangeEnd   uint32
	ip         [4]byte
	subnet     [4]byte
	hasSubnet  bool
	logger
}

// NewServer returns a Server using stack for socket I/O and buf as its
// working buffer. buf must be at least [MinBufferSize] long.
func NewServer(stack UDPStack, buf []byte, cfg ServerConfig) (*Server, error) {
	if stack == nil {
		return nil, errors.New("bootp: nil stack")
	} else if len(buf) < MinBufferSize {
		return nil, errors.New("bootp: server buffer too small")
	} else if !cfg.IP.Is4() {
		return nil, errors.New("bootp: server IP must be IPv4")
	} else if !cfg.RangeStart.Is4() || !cfg.RangeEnd.Is4() {
		return nil, errors.New("bootp: lease range must be IPv4")
	}
	start := binary.BigEndian.Uint32(cfg.RangeStart.AsSlice())
	end := binary.BigEndian.Uint32(cfg.RangeEnd.AsSlice())
	if start > end {
		return nil, errors.New("bootp: lease range start exceeds end")
	}
	if !cfg.Addr.IsValid() {
		cfg.Addr = netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultServerPort)
	}
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = 3600
	}
	if cfg.MaxLeases == 0 {
		cfg.MaxLeases = defaultMaxLeases
	}
	sv := &Server{
		stack:      stack,
		buf:        buf,
		local:      cfg.Addr,
		leases:     make([]serverLease, 0, cfg.MaxLeases),
		leaseSecs:  cfg.LeaseSeconds,
		rangeStart: start,
		rangeEnd:   end,
		ip:         cfg.IP.As4(),
		logger:     logger{log: cfg.Logger},
	}
	if cfg.Subnet.Is4() {
		sv.subnet = cfg.Subnet.As4()
		sv.hasSubnet = true
	}
	for _, gw := range cfg.Gateways {
		if gw.Is4() {
			sv.gwOpt = append(sv.gwOpt, gw.AsSlice()...)
		}
	}
	for _, dns := range cfg.DNS {
		if dns.Is4() {
			sv.dnsOpt = append(sv.dnsOpt, dns.AsSlice()...)
		}
	}
	return sv, nil
}

// SetLogger sets the server's logger. Safe to call only while no Serve is in flight.
func (sv *Server) SetLogger(log *slog.Logger) { sv.logger.log = log }

// Leases appends a snapshot of the current lease table to dst and returns it.
// Declined (poisoned) addresses appear with an all-ones MAC.
func (sv *Server) Leases(dst []Lease) []Lease {
	for i := range sv.leases {
		l := &sv.leases[i]
		dst = append(dst, Lease{
			MAC:    l.hwaddr,
			Addr:   netip.AddrFrom4(l.addr),
			Expiry: l.expiry,
		})
	}
	return dst
}

// Serve binds the configured address and answers requests until ctx is
// cancelled or the socket fails. The lease table survives Serve returning,
// so callers may inspect it and call Serve again.
func (sv *Server) Serve(ctx context.Context) error {
	sock, err := sv.stack.BindMultiple(ctx, sv.local)
	if err != nil {
		return fmt.Errorf("bootp: bind: %w", err)
	}
	defer sock.Close()
	sv.info("bootp:serving", internal.SlogAddr4("ip", &sv.ip))
	for {
		n, local, remote, err := sock.ReceiveInto(ctx, sv.buf)
		if err != nil {
			return fmt.Errorf("bootp: receive: %w", err)
		}
		nr, bcast, err := sv.HandleRequest(sv.buf, sv.buf[:n], time.Now())
		if err != nil {
			sv.debug("bootp:drop-malformed", slog.String("err", err.Error()))
			continue
		} else if nr == 0 {
			continue
		}
		dst := remote
		if bcast {
			dst = netip.AddrPortFrom(broadcastAddr, remote.Port())
		}
		if err := sock.Send(ctx, local, dst, sv.buf[:nr]); err != nil {
			return fmt.Errorf("bootp: send: %w", err)
		}
	}
}

// HandleRequest processes one BOOTP request in req and, when a reply is
// warranted, encodes it into resp and returns its length along with whether
// it should be broadcast rather than unicast back to the sender. A zero
// length with nil error means the request is dropped. resp may alias req:
// all request fields are extracted before the reply is written.
func (sv *Server) HandleRequest(resp, req []byte, now time.Time) (int, bool, error) {
	frm, err := NewFrame(req)
	if err != nil {
		return 0, false, err
	}
	if err := frm.Validate(); err != nil {
		return 0, false, err
	}
	if frm.Op() != OpRequest {
		return 0, false, nil
	}
	mac := *frm.CHAddrAs6()
	if mac == ([6]byte{}) {
		return 0, false, nil // Zero hardware address cannot hold a lease.
	}
	// Extract everything needed from the request up front: resp may alias req.
	msg := frm.MessageType()
	xid := frm.XID()
	flags := frm.Flags()
	ciaddr := *frm.CIAddr()
	giaddr := *frm.GIAddr()
	chaddr := *frm.CHAddr()
	var requested, sid [4]byte
	var hasRequested, hasSID bool
	if data, ok := frm.Option(OptRequestedIPaddress); ok && len(data) == 4 {
		requested = [4]byte(data)
		hasRequested = true
	}
	if data, ok := frm.Option(OptServerIdentification); ok && len(data) == 4 {
		sid = [4]byte(data)
		hasSID = true
	}
	// A client with no address yet cannot receive a unicast reply.
	wantBroadcast := flags.IsBroadcast() || ciaddr == ([4]byte{})

	reply := replyFields{
		xid:    xid,
		flags:  flags,
		ciaddr: ciaddr,
		giaddr: giaddr,
		chaddr: chaddr,
	}
	switch msg {
	case MsgDiscover:
		addr, ok := sv.selectAddr(mac, requested, hasRequested, now)
		if !ok {
			sv.warn("bootp:pool-exhausted", internal.SlogAddr6("mac", &mac))
			return 0, false, nil
		}
		if !sv.upsert(mac, addr, now) {
			sv.warn("bootp:lease-table-full", internal.SlogAddr6("mac", &mac))
			return 0, false, nil
		}
		sv.info("bootp:offer", internal.SlogAddr6("mac", &mac), internal.SlogAddr4("addr", &addr))
		reply.msg = MsgOffer
		reply.yiaddr = addr
		reply.withLease = true
		n, err := sv.encodeReply(resp, &reply)
		return n, wantBroadcast, err

	case MsgRequest:
		if hasSID && sid != sv.ip {
			return 0, false, nil // Client selected another server.
		}
		want := requested
		if !hasRequested {
			want = ciaddr // Renewals carry the address in ciaddr.
		}
		idx := sv.leaseIndex(mac)
		if idx < 0 || sv.leases[idx].addr != want || !sv.inRange(want) {
			sv.info("bootp:nak", internal.SlogAddr6("mac", &mac), internal.SlogAddr4("addr", &want))
			reply.msg = MsgNak
			reply.ciaddr = [4]byte{}
			n, err := sv.encodeReply(resp, &reply)
			return n, wantBroadcast, err
		}
		sv.leases[idx].expiry = now.Add(time.Duration(sv.leaseSecs) * time.Second)
		sv.info("bootp:ack", internal.SlogAddr6("mac", &mac), internal.SlogAddr4("addr", &want))
		reply.msg = MsgAck
		reply.yiaddr = want
		reply.withLease = true
		reply.withConfig = true
		n, err := sv.encodeReply(resp, &reply)
		return n, wantBroadcast, err

	case MsgDecline:
		if hasRequested {
			sv.poison(mac, requested)
		}
		return 0, false, nil

	case MsgRelease:
		sv.release(mac, ciaddr)
		return 0, false, nil

	case MsgInform:
		reply.msg = MsgAck
		reply.withConfig = true
		n, err := sv.encodeReply(resp, &reply)
		return n, wantBroadcast, err
	}
	return 0, false, nil
}

type replyFields struct {
	xid    uint32
	flags  Flags
	msg    MessageType
	ciaddr [4]byte
	yiaddr [4]byte
	giaddr [4]byte
	chaddr [16]byte
	// withLease includes the lease time option; withConfig the
	// subnet/router/DNS configuration options.
	withLease  bool
	withConfig bool
}

func (sv *Server) encodeReply(dst []byte, r *replyFields) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	frm.ClearHeader()
	frm.SetOp(OpReply)
	frm.SetHardware(1, 6, 0)
	frm.SetXID(r.xid)
	frm.SetSecs(0)
	frm.SetFlags(r.flags)
	*frm.CIAddr() = r.ciaddr
	*frm.YIAddr() = r.yiaddr
	*frm.SIAddr() = sv.ip
	*frm.GIAddr() = r.giaddr
	*frm.CHAddr() = r.chaddr
	frm.SetMagicCookie(MagicCookie)
	opts := frm.OptionsPayload()
	nopt, err := EncodeOption(opts, OptMessageType, byte(r.msg))
	if err != nil {
		return 0, err
	}
	n, err := EncodeOption(opts[nopt:], OptServerIdentification, sv.ip[:]...)
	nopt += n
	if err != nil {
		return 0, err
	}
	if r.withLease {
		n, err = EncodeOption32(opts[nopt:], OptIPAddressLeaseTime, sv.leaseSecs)
		nopt += n
		if err != nil {
			return 0, err
		}
	}
	if r.msg == MsgOffer || r.withConfig {
		if sv.hasSubnet {
			n, err = EncodeOption(opts[nopt:], OptSubnetMask, sv.subnet[:]...)
			nopt += n
			if err != nil {
				return 0, err
			}
		}
		if len(sv.gwOpt) > 0 {
			n, err = EncodeOption(opts[nopt:], OptRouter, sv.gwOpt...)
			nopt += n
			if err != nil {
				return 0, err
			}
		}
		if len(sv.dnsOpt) > 0 {
			n, err = EncodeOption(opts[nopt:], OptDNSServers, sv.dnsOpt...)
			nopt += n
			if err != nil {
				return 0, err
			}
		}
	}
	return endOptions(opts, nopt)
}

// selectAddr picks the address to offer mac per this precedence: the lease
// already held by mac even if expired, then a valid requested address, then
// the lowest free or expired slot of the range.
func (sv *Server) selectAddr(mac [6]byte, requested [4]byte, hasRequested bool, now time.Time) ([4]byte, bool) {
	if idx := sv.leaseIndex(mac); idx >= 0 {
		return sv.leases[idx].addr, true
	}
	if hasRequested && sv.inRange(requested) && !sv.heldUnexpired(requested, now) {
		return requested, true
	}
	for u := sv.rangeStart; u <= sv.rangeEnd; u++ {
		var addr [4]byte
		binary.BigEndian.PutUint32(addr[:], u)
		if addr == sv.ip {
			continue
		}
		if !sv.heldUnexpired(addr, now) {
			return addr, true
		}
	}
	return [4]byte{}, false
}

// upsert records addr as leased to mac expiring a full lease duration from
// now. Reports failure when the table is full of unexpired leases.
func (sv *Server) upsert(mac [6]byte, addr [4]byte, now time.Time) bool {
	// Drop any expired entry squatting the address under a different owner
	// so no two leases ever share an address.
	for i := 0; i < len(sv.leases); i++ {
		if sv.leases[i].addr == addr && sv.leases[i].hwaddr != mac {
			sv.removeAt(i)
			i--
		}
	}
	expiry := now.Add(time.Duration(sv.leaseSecs) * time.Second)
	if idx := sv.leaseIndex(mac); idx >= 0 {
		sv.leases[idx].addr = addr
		sv.leases[idx].expiry = expiry
		return true
	}
	if len(sv.leases) < cap(sv.leases) {
		sv.leases = append(sv.leases, serverLease{expiry: expiry, hwaddr: mac, addr: addr})
		return true
	}
	// Table full: evict the earliest-expiring lease that already expired.
	evict := -1
	for i := range sv.leases {
		if now.Before(sv.leases[i].expiry) {
			continue
		}
		if evict < 0 || sv.leases[i].expiry.Before(sv.leases[evict].expiry) {
			evict = i
		}
	}
	if evict < 0 {
		return false
	}
	sv.leases[evict] = serverLease{expiry: expiry, hwaddr: mac, addr: addr}
	return true
}

func (sv *Server) poison(mac [6]byte, addr [4]byte) {
	for i := range sv.leases {
		if sv.leases[i].hwaddr == mac && sv.leases[i].addr == addr {
			// Hold the slot under the synthetic owner until it expires and
			// free the client to negotiate a different address.
			sv.leases[i].hwaddr = poisonedMAC
			sv.info("bootp:declined", internal.SlogAddr6("mac", &mac), internal.SlogAddr4("addr", &addr))
			return
		}
	}
}

func (sv *Server) release(mac [6]byte, ciaddr [4]byte) {
	if idx := sv.leaseIndex(mac); idx >= 0 && sv.leases[idx].addr == ciaddr {
		sv.info("bootp:released", internal.SlogAddr6("mac", &mac), internal.SlogAddr4("addr", &ciaddr))
		sv.removeAt(idx)
	}
}

func (sv *Server) leaseIndex(mac [6]byte) int {
	for i := range sv.leases {
		if sv.leases[i].hwaddr == mac {
			return i
		}
	}
	return -1
}

func (sv *Server) heldUnexpired(addr [4]byte, now time.Time) bool {
	for i := range sv.leases {
		if sv.leases[i].addr == addr && now.Before(sv.leases[i].expiry) {
			return true
		}
	}
	return false
}

func (sv *Server) inRange(addr [4]byte) bool {
	u := binary.BigEndian.Uint32(addr[:])
	return u >= sv.rangeStart && u <= sv.rangeEnd
}

func (sv *Server) removeAt(i int) {
	sv.leases[i] = sv.leases[len(sv.leases)-1]
	sv.leases = sv.leases[:len(sv.leases)-1]
}
