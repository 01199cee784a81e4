package bootp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/bootp/internal"
)

const (
	// MinBufferSize is the minimum working buffer length accepted by
	// [NewClient] and [NewServer], the BOOTP minimum datagram size.
	MinBufferSize = 300

	// Lease duration assumed when the server's ACK carried no lease time.
	defaultLeaseSeconds = 7200
	// How often a bound client wakes up to check the renewal boundary.
	boundPollInterval = 60 * time.Second
	// Pause between discovery rounds and between re-receives while selecting.
	selectRetryDelay = 3 * time.Second
	// How many times a REQUEST is sent before giving the lease up for lost.
	requestAttempts = 3
)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Addr is the client's local UDP address. Zero value means 0.0.0.0:68.
	Addr netip.AddrPort
	// MAC is the hardware address leases are negotiated for.
	MAC [6]byte
	// Timeout bounds each receive phase. Zero means 10 seconds.
	Timeout time.Duration
	// Rand is the entropy source for transaction ids, read 4 bytes per
	// transaction. When nil a xorshift generator seeded from MAC and the
	// current time is used.
	Rand   io.Reader
	Logger *slog.Logger
}

// Client negotiates and keeps an IPv4 lease over a [UDPStack].
//
// The client owns its socket factory, transaction ids and working buffer;
// sockets are bound per negotiation phase and released before the phase
// ends, so the caller's stack is free to reconfigure the interface when a
// lease is acquired. A Client is not safe for concurrent use.
type Client struct {
	stack    UDPStack
	buf      []byte
	rand     io.Reader
	local    netip.AddrPort
	timeout  time.Duration
	settings Settings
	acquired time.Time
	bound    bool
	state    ClientState
	xidSeed  uint32
	mac      [6]byte
	logger
}

// NewClient returns a Client using stack for socket I/O and buf as its
// working buffer. buf must be at least [MinBufferSize] long; 576 or more is
// recommended to accommodate the DHCP minimum message size.
func NewClient(stack UDPStack, buf []byte, cfg ClientConfig) (*Client, error) {
	if stack == nil {
		return nil, errors.New("bootp: nil stack")
	} else if len(buf) < MinBufferSize {
		return nil, errors.New("bootp: client buffer too small")
	}
	if !cfg.Addr.IsValid() {
		cfg.Addr = netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultClientPort)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		stack:   stack,
		buf:     buf,
		rand:    cfg.Rand,
		local:   cfg.Addr,
		timeout: cfg.Timeout,
		state:   StateInit,
		mac:     cfg.MAC,
		xidSeed: binary.LittleEndian.Uint32(cfg.MAC[:4]) ^ uint32(time.Now().UnixNano()) | 1,
		logger:  logger{log: cfg.Logger},
	}
	return c, nil
}

// SetLogger sets the client's logger. Safe to call only while no Run is in flight.
func (c *Client) SetLogger(log *slog.Logger) { c.logger.log = log }

// State returns the phase the client was last in.
func (c *Client) State() ClientState { return c.state }

// Lease returns the currently held lease, when it was acquired and whether
// one is held at all.
func (c *Client) Lease() (s Settings, acquired time.Time, ok bool) {
	return c.settings, c.acquired, c.bound
}

// SetLease seeds the client with a previously negotiated lease, as returned
// by [Client.Lease]. The next [Client.Run] resumes keeping it up to date.
func (c *Client) SetLease(s Settings, acquired time.Time) {
	c.settings = s
	c.acquired = acquired
	c.bound = true
	c.state = StateBound
}

// Run negotiates with the first DHCP server answering discovery and then
// keeps the lease renewed. It returns in exactly the two cases where the
// caller must act:
//
//   - A new lease was negotiated: the returned Settings are non-nil and
//     should be applied to the network interface.
//   - The lease was lost (renewal NAKed or unanswered): nil Settings are
//     returned and the interface should be deconfigured.
//
// The caller is expected to call Run again after either outcome. Cancelling
// ctx is safe at any point: sockets are bound per phase and released before
// Run returns, and the held lease survives so a later Run picks up where
// this one left off.
func (c *Client) Run(ctx context.Context) (*Settings, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.bound {
			offer, err := c.discover(ctx)
			if err != nil {
				return nil, err
			}
			s, err := c.request(ctx, offer.ServerAddr, offer.Addr)
			if err != nil {
				return nil, err
			}
			if s == nil {
				continue // Request unanswered or NAKed; discover again.
			}
			c.settings = *s
			c.acquired = time.Now()
			c.bound = true
			c.state = StateBound
			settings := *s
			return &settings, nil
		}
		// Keep the lease.
		lease := c.settings.LeaseSeconds
		if lease == 0 {
			lease = defaultLeaseSeconds
		}
		if time.Since(c.acquired) < time.Duration(lease/3)*time.Second {
			if err := sleep(ctx, boundPollInterval); err != nil {
				return nil, err
			}
			continue
		}
		c.state = StateRenewing
		c.info("bootp:renewing", internal.SlogAddr6("mac", &c.mac))
		s, err := c.request(ctx, c.settings.ServerAddr, c.settings.Addr)
		if err != nil {
			return nil, err
		}
		if s == nil {
			// Lease not renewed; let the caller deconfigure the interface.
			c.settings = Settings{}
			c.bound = false
			c.state = StateInit
			return nil, nil
		}
		c.settings = *s
		c.acquired = time.Now()
		c.state = StateBound
	}
}

// Release informs the leasing server that the held address is no longer in
// use, typically right before the program exits. It does not wait for a
// reply and the internal lease state is forgotten unconditionally, so
// calling Release without a held lease is a no-op.
func (c *Client) Release(ctx context.Context) error {
	var err error
	if c.bound && c.settings.ServerAddr.IsValid() {
		err = c.sendRelease(ctx)
	}
	// Forget the lease regardless of delivery; Release is best effort.
	c.settings = Settings{}
	c.bound = false
	c.state = StateInit
	if err != nil {
		return fmt.Errorf("bootp: release: %w", err)
	}
	return nil
}

func (c *Client) sendRelease(ctx context.Context) error {
	remote := netip.AddrPortFrom(c.settings.ServerAddr, DefaultServerPort)
	sock, err := c.stack.ConnectFrom(ctx, c.local, remote)
	if err != nil {
		return err
	}
	defer sock.Close()
	n, err := EncodeRelease(c.buf, c.nextXID(), c.mac, 0, c.settings.Addr)
	if err != nil {
		return err
	}
	return sock.Send(ctx, c.buf[:n])
}

// discover broadcasts DISCOVER messages until a usable OFFER arrives.
func (c *Client) discover(ctx context.Context) (Settings, error) {
	c.info("bootp:discovering", internal.SlogAddr6("mac", &c.mac))
	start := time.Now()
	for {
		sock, err := c.stack.BindMultiple(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), c.local.Port()))
		if err != nil {
			return Settings{}, fmt.Errorf("bootp: bind: %w", err)
		}
		xid := c.nextXID()
		n, err := EncodeDiscover(c.buf, xid, c.mac, elapsedSecs(start), netip.Addr{})
		if err != nil {
			sock.Close()
			return Settings{}, err
		}
		err = sock.Send(ctx,
			netip.AddrPortFrom(netip.IPv4Unspecified(), c.local.Port()),
			netip.AddrPortFrom(broadcastAddr, DefaultServerPort),
			c.buf[:n])
		if err != nil {
			sock.Close()
			return Settings{}, fmt.Errorf("bootp: send: %w", err)
		}
		c.state = StateSelecting
		deadline := time.Now().Add(c.timeout)
		for time.Now().Before(deadline) {
			slice := time.Until(deadline)
			if slice > selectRetryDelay {
				slice = selectRetryDelay
			}
			rctx, cancel := context.WithTimeout(ctx, slice)
			n, _, _, err := sock.ReceiveInto(rctx, c.buf)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					sock.Close()
					return Settings{}, ctx.Err()
				} else if errors.Is(err, context.DeadlineExceeded) {
					continue // Re-receive slice expired; keep waiting for offers.
				}
				sock.Close()
				return Settings{}, fmt.Errorf("bootp: receive: %w", err)
			}
			frm, err := NewFrame(c.buf[:n])
			if err != nil || frm.Validate() != nil {
				c.debug("bootp:drop-malformed")
				continue // Unrelated broadcast traffic is expected on port 68.
			}
			if !IsOffer(frm, xid, c.mac) {
				continue
			}
			s := ParseSettings(frm)
			if !s.ServerAddr.IsValid() {
				continue // Offer without a server identity cannot be requested.
			}
			sock.Close()
			addr, sv := s.Addr.As4(), s.ServerAddr.As4()
			c.info("bootp:offer", internal.SlogAddr4("addr", &addr), internal.SlogAddr4("server", &sv))
			return s, nil
		}
		sock.Close()
		c.info("bootp:no-offers")
		if err := sleep(ctx, selectRetryDelay); err != nil {
			return Settings{}, err
		}
	}
}

// request asks server to lease addr. It returns nil Settings without error
// when the server NAKed or never answered within the attempt budget.
func (c *Client) request(ctx context.Context, server, addr netip.Addr) (*Settings, error) {
	if c.state != StateRenewing {
		c.state = StateRequesting
	}
	start := time.Now()
	for attempt := 0; attempt < requestAttempts; attempt++ {
		a4 := addr.As4()
		c.info("bootp:requesting", internal.SlogAddr4("addr", &a4))
		sock, err := c.stack.BindMultiple(ctx, netip.AddrPortFrom(server, c.local.Port()))
		if err != nil {
			return nil, fmt.Errorf("bootp: bind: %w", err)
		}
		xid := c.nextXID()
		n, err := EncodeRequest(c.buf, xid, c.mac, elapsedSecs(start), addr)
		if err != nil {
			sock.Close()
			return nil, err
		}
		err = sock.Send(ctx,
			netip.AddrPortFrom(netip.IPv4Unspecified(), c.local.Port()),
			netip.AddrPortFrom(server, DefaultServerPort),
			c.buf[:n])
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("bootp: send: %w", err)
		}
		deadline := time.Now().Add(c.timeout)
		for time.Now().Before(deadline) {
			rctx, cancel := context.WithDeadline(ctx, deadline)
			n, _, _, err := sock.ReceiveInto(rctx, c.buf)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					sock.Close()
					return nil, ctx.Err()
				} else if errors.Is(err, context.DeadlineExceeded) {
					break // Attempt timed out; resend the request.
				}
				sock.Close()
				return nil, fmt.Errorf("bootp: receive: %w", err)
			}
			frm, err := NewFrame(c.buf[:n])
			if err != nil || frm.Validate() != nil {
				c.debug("bootp:drop-malformed")
				continue
			}
			if IsAck(frm, xid, c.mac) {
				s := ParseSettings(frm)
				sock.Close()
				c.info("bootp:leased", internal.SlogAddr4("addr", &a4), slog.Uint64("seconds", uint64(s.LeaseSeconds)))
				return &s, nil
			} else if IsNak(frm, xid, c.mac) {
				sock.Close()
				c.info("bootp:not-acknowledged", internal.SlogAddr4("addr", &a4))
				return nil, nil
			}
		}
		sock.Close()
	}
	c.warn("bootp:request-unanswered", internal.SlogAddr6("mac", &c.mac))
	return nil, nil
}

func (c *Client) nextXID() uint32 {
	if c.rand != nil {
		var b [4]byte
		if _, err := io.ReadFull(c.rand, b[:]); err == nil {
			return binary.BigEndian.Uint32(b[:])
		}
	}
	c.xidSeed = internal.Prand32(c.xidSeed)
	return c.xidSeed
}

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func elapsedSecs(start time.Time) uint16 {
	secs := time.Since(start) / time.Second
	if secs > 0xffff {
		return 0xffff
	}
	return uint16(secs)
}
