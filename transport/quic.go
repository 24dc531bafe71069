package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	appcrypto "peerlink/crypto"
	"peerlink/discovery"
	"peerlink/models"
)

const (
	// ALPN is the application protocol negotiated on every QUIC connection.
	ALPN = "peerlink"

	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout      = 30 * time.Second
	defaultCloseGrace       = 2 * time.Second
	acceptQueueSize         = 16
)

// QUICOptions configures a QUIC transport.
type QUICOptions struct {
	// Key is the node's Ed25519 key; it signs the TLS certificate.
	Key ed25519.PrivateKey
	// NodeName becomes the certificate common name and the remote name peers see.
	NodeName string
	// ListenAddress is the UDP host:port to bind; ":0" picks a free port.
	ListenAddress string
	// Discovery configures device enumeration over mDNS.
	Discovery discovery.Config

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	// CloseGrace bounds how long an accepted connection waits for the dialer
	// to hang up after the response was sent.
	CloseGrace time.Duration
}

func (o QUICOptions) withDefaults() QUICOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = defaultCloseGrace
	}
	return out
}

// QUICTransport carries exchanges over QUIC with mutual certificate exchange.
type QUICTransport struct {
	opts       QUICOptions
	cert       tls.Certificate
	quicConfig *quic.Config

	mu       sync.Mutex
	listener *quicListener
}

// NewQUIC builds a QUIC transport for the given node identity.
func NewQUIC(options QUICOptions) (*QUICTransport, error) {
	opts := options.withDefaults()
	cert, err := appcrypto.NodeCertificate(opts.Key, opts.NodeName)
	if err != nil {
		return nil, fmt.Errorf("build node certificate: %w", err)
	}

	return &QUICTransport{
		opts: opts,
		cert: cert,
		quicConfig: &quic.Config{
			HandshakeIdleTimeout: opts.HandshakeTimeout,
			MaxIdleTimeout:       opts.IdleTimeout,
		},
	}, nil
}

func (t *QUICTransport) serverTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// clientTLSConfig skips chain verification: node certificates are self-signed
// and trust is established by pairing, not by a CA.
func (t *QUICTransport) clientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{t.cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// Dial opens a connection and a single bidirectional stream to address.
func (t *QUICTransport) Dial(ctx context.Context, address models.Address) (Conn, error) {
	ap, err := address.AddrPort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	conn, err := quic.DialAddr(ctx, ap.String(), t.clientTLSConfig(), t.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ap, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open stream to %s: %w", ap, err)
	}

	return newQUICConn(conn, stream, false, 0), nil
}

// Listen binds the configured UDP address. A transport listens at most once.
func (t *QUICTransport) Listen(ctx context.Context) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil, ErrAlreadyListening
	}

	ln, err := quic.ListenAddr(t.opts.ListenAddress, t.serverTLSConfig(), t.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", t.opts.ListenAddress, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		owner:      t,
		ln:         ln,
		conns:      make(chan *quicConn, acceptQueueSize),
		ctx:        listenCtx,
		cancel:     cancel,
		closeGrace: t.opts.CloseGrace,
		handshake:  t.opts.HandshakeTimeout,
	}
	l.wg.Add(1)
	go l.acceptLoop()

	t.listener = l
	return l, nil
}

// Devices browses mDNS for nodes advertising the configured service class.
func (t *QUICTransport) Devices(ctx context.Context) ([]models.Device, error) {
	return discovery.Browse(ctx, t.opts.Discovery)
}

// LocalAddress returns the bound listening address. An unspecified bind IP
// is replaced with the first non-loopback interface address.
func (t *QUICTransport) LocalAddress() models.Address {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return nil
	}

	ap, ok := addrPortOf(l.ln.Addr())
	if !ok {
		return nil
	}
	if ap.Addr().IsUnspecified() {
		ip, found := outboundIP()
		if !found {
			ip = netip.MustParseAddr("127.0.0.1")
		}
		ap = netip.AddrPortFrom(ip, ap.Port())
	}
	return models.AddressFromAddrPort(ap)
}

// Port returns the bound UDP port, or 0 before Listen.
func (t *QUICTransport) Port() int {
	addr := t.LocalAddress()
	if addr == nil {
		return 0
	}
	ap, err := addr.AddrPort()
	if err != nil {
		return 0
	}
	return int(ap.Port())
}

type quicListener struct {
	owner      *QUICTransport
	ln         *quic.Listener
	conns      chan *quicConn
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeGrace time.Duration
	handshake  time.Duration
}

// acceptLoop ends when the socket fails or the listener closes. Either way
// l.ctx is cancelled so Accept reports ErrClosed instead of blocking.
func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	defer l.cancel()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.acceptStream(conn)
	}
}

func (l *quicListener) acceptStream(conn *quic.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, l.handshake)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	c := newQUICConn(conn, stream, true, l.closeGrace)
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		_ = c.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrClosed
	}
}

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
		l.owner.mu.Lock()
		if l.owner.listener == l {
			l.owner.listener = nil
		}
		l.owner.mu.Unlock()
		for {
			select {
			case c := <-l.conns:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return err
}

type quicConn struct {
	conn       *quic.Conn
	stream     *quic.Stream
	accepted   bool
	closeGrace time.Duration
	remoteName string
	remoteAddr models.Address
	closeOnce  sync.Once
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, accepted bool, closeGrace time.Duration) *quicConn {
	c := &quicConn{
		conn:       conn,
		stream:     stream,
		accepted:   accepted,
		closeGrace: closeGrace,
	}
	if name, err := appcrypto.PeerCommonName(conn.ConnectionState().TLS); err == nil {
		c.remoteName = name
	}
	if ap, ok := addrPortOf(conn.RemoteAddr()); ok {
		c.remoteAddr = models.AddressFromAddrPort(ap)
	}
	return c
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }
func (c *quicConn) RemoteName() string            { return c.remoteName }
func (c *quicConn) RemoteAddress() models.Address { return c.remoteAddr }

// Close finishes the stream. On the accepting side the connection stays open
// until the dialer hangs up or the grace period ends, so the response is not
// discarded by an early CONNECTION_CLOSE.
func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		if c.accepted {
			timer := time.NewTimer(c.closeGrace)
			defer timer.Stop()
			select {
			case <-c.conn.Context().Done():
			case <-timer.C:
			}
		}
		if closeErr := c.conn.CloseWithError(0, ""); err == nil && closeErr != nil && !isClosedError(closeErr) {
			err = closeErr
		}
	})
	return err
}

func isClosedError(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) || errors.Is(err, net.ErrClosed)
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
}

func outboundIP() (netip.Addr, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, false
	}
	var fallback netip.Addr
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		if ip.Is4() {
			return ip, true
		}
		if !fallback.IsValid() {
			fallback = ip
		}
	}
	return fallback, fallback.IsValid()
}
