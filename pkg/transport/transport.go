package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Port is the mDNS port number (RFC 6762 section 3).
const Port = 5353

var (
	// IPv4Group is the multicast group used for mDNS over IPv4.
	IPv4Group = net.ParseIP("224.0.0.251")

	// IPv6Group is the multicast group used for mDNS over IPv6.
	IPv6Group = net.ParseIP("ff02::fb")

	// IPv4Addr is the address mDNS queries are sent to over IPv4.
	IPv4Addr = &net.UDPAddr{IP: IPv4Group, Port: Port}

	// IPv6Addr is the address mDNS queries are sent to over IPv6.
	IPv6Addr = &net.UDPAddr{IP: IPv6Group, Port: Port}
)

// classUnicastResponse is the top bit of the question class. It asks
// responders for a unicast reply (RFC 6762 section 5.4).
const classUnicastResponse uint16 = 1 << 15

var nopLogger = zap.NewNop()

// Options configures a Transport.
type Options struct {
	// Interfaces to join the multicast groups on. Defaults to every
	// up, multicast-capable interface.
	Interfaces []net.Interface

	Logger *zap.Logger
}

// Transport owns the mDNS sockets. It packs outgoing question
// messages, listens on the multicast groups and on two ephemeral
// unicast sockets for replies, and hands every parsed response
// message to the OnResponse callback.
type Transport struct {
	opts   Options
	logger *zap.Logger

	onResponse func(*dns.Msg)
	onError    func(error)

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	uconn4 *net.UDPConn
	uconn6 *net.UDPConn
	mconn4 *net.UDPConn
	mconn6 *net.UDPConn
}

// New creates a Transport. Callbacks must be registered before Start.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &Transport{
		opts:   opts,
		logger: logger,
	}
}

// OnResponse registers the handler for parsed response messages.
func (t *Transport) OnResponse(fn func(*dns.Msg)) {
	t.onResponse = fn
}

// OnError registers the handler for asynchronous socket errors.
func (t *Transport) OnError(fn func(error)) {
	t.onError = fn
}

// Start binds the sockets and starts the reader loops. At least one
// protocol family must come up.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("transport already started")
	}

	ifaces := t.opts.Interfaces
	if len(ifaces) == 0 {
		ifaces = multicastInterfaces()
	}

	err4 := t.setupIPv4(ifaces)
	if err4 != nil {
		t.logger.Warn("no usable IPv4 multicast socket", zap.Error(err4))
	}
	err6 := t.setupIPv6(ifaces)
	if err6 != nil {
		t.logger.Warn("no usable IPv6 multicast socket", zap.Error(err6))
	}
	if err4 != nil && err6 != nil {
		return fmt.Errorf("failed to bind any mdns socket: %w", errors.Join(err4, err6))
	}

	for _, c := range []*net.UDPConn{t.uconn4, t.mconn4, t.uconn6, t.mconn6} {
		if c == nil {
			continue
		}
		t.wg.Add(1)
		go t.reader(c)
	}

	t.started = true
	t.closed = false
	t.logger.Info("mdns transport started",
		zap.Bool("ipv4", err4 == nil), zap.Bool("ipv6", err6 == nil))
	return nil
}

func (t *Transport) setupIPv4(ifaces []net.Interface) error {
	mconn, err := net.ListenMulticastUDP("udp4", nil, IPv4Addr)
	if err != nil {
		return err
	}
	p := ipv4.NewPacketConn(mconn)
	_ = p.SetMulticastLoopback(true)
	for i := range ifaces {
		if err := p.JoinGroup(&ifaces[i], &net.UDPAddr{IP: IPv4Group}); err != nil {
			t.logger.Debug("failed to join IPv4 group",
				zap.String("iface", ifaces[i].Name), zap.Error(err))
		}
	}

	// Queries go out from an ephemeral port so responders answer us
	// directly (RFC 6762 section 6.7, legacy unicast responses).
	uconn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		mconn.Close()
		return err
	}

	t.mconn4 = mconn
	t.uconn4 = uconn
	return nil
}

func (t *Transport) setupIPv6(ifaces []net.Interface) error {
	mconn, err := net.ListenMulticastUDP("udp6", nil, IPv6Addr)
	if err != nil {
		return err
	}
	p := ipv6.NewPacketConn(mconn)
	_ = p.SetMulticastLoopback(true)
	for i := range ifaces {
		if err := p.JoinGroup(&ifaces[i], &net.UDPAddr{IP: IPv6Group}); err != nil {
			t.logger.Debug("failed to join IPv6 group",
				zap.String("iface", ifaces[i].Name), zap.Error(err))
		}
	}

	uconn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		mconn.Close()
		return err
	}

	t.mconn6 = mconn
	t.uconn6 = uconn
	return nil
}

// Query packs a single-question message for name and sends it to the
// multicast groups. Fire-and-forget: no retry, no response wait.
func (t *Transport) Query(name string, qtype uint16) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = false
	m.Question[0].Qclass |= classUnicastResponse

	buf, err := m.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack query: %w", err)
	}

	t.mu.Lock()
	uconn4, uconn6 := t.uconn4, t.uconn6
	started := t.started
	t.mu.Unlock()
	if !started {
		return errors.New("transport is not started")
	}

	var err4, err6 error
	if uconn4 != nil {
		_, err4 = uconn4.WriteToUDP(buf, IPv4Addr)
	}
	if uconn6 != nil {
		_, err6 = uconn6.WriteToUDP(buf, IPv6Addr)
	}
	if (uconn4 == nil || err4 != nil) && (uconn6 == nil || err6 != nil) {
		return fmt.Errorf("failed to send query: %w", errors.Join(err4, err6))
	}
	return nil
}

func (t *Transport) reader(c *net.UDPConn) {
	defer t.wg.Done()

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, from, err := c.ReadFromUDP(buf)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if t.onError != nil {
				t.onError(err)
			}
			continue
		}
		t.handlePacket(buf[:n], from)
	}
}

// handlePacket parses a raw packet and dispatches response messages
// that carry answers. Queries from other hosts and malformed packets
// are dropped.
func (t *Transport) handlePacket(b []byte, from net.Addr) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		t.logger.Debug("dropping malformed packet",
			zap.Stringer("from", from), zap.Error(err))
		return
	}
	if !m.Response || len(m.Answer) == 0 {
		return
	}
	if t.onResponse != nil {
		t.onResponse(m)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close shuts the sockets and waits for the reader loops. It is
// idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed || !t.started {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.started = false
	conns := []*net.UDPConn{t.uconn4, t.uconn6, t.mconn4, t.mconn6}
	t.uconn4, t.uconn6, t.mconn4, t.mconn6 = nil, nil, nil, nil
	t.mu.Unlock()

	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
	t.wg.Wait()
	t.logger.Info("mdns transport closed")
	return nil
}

func multicastInterfaces() []net.Interface {
	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out
}
