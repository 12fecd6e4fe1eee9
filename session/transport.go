package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ALPN protocol for the mesh wire.
const alpnMesh = "mesh/1"

// nodeURIPrefix is the SAN URI scheme binding a certificate to a node ID.
const nodeURIPrefix = "mesh://node/"

// Transport abstracts the byte stream under a session. Implementations:
// plain TCP, TLS over TCP, and a single bidirectional QUIC stream.
type Transport interface {
	// Dial connects to addr, returning the stream and the peer's leaf
	// certificate in DER form when the transport authenticates (nil for
	// plain TCP).
	Dial(ctx context.Context, addr string) (net.Conn, []byte, error)
	// Listen binds addr and returns an acceptor.
	Listen(addr string) (Acceptor, error)
}

// Acceptor produces inbound connections.
type Acceptor interface {
	Accept(ctx context.Context) (net.Conn, []byte, error)
	Close() error
	Addr() net.Addr
}

// TLSConfig carries the PEM material and identity policy for the
// authenticated transports.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	CAFile       string
	SNI          string
	VerifyNodeID bool
}

// NewTransport selects a transport by kind: "tcp", "tls", or "quic".
func NewTransport(kind string, tlsCfg *TLSConfig) (Transport, error) {
	switch kind {
	case "", "tcp":
		return tcpTransport{}, nil
	case "tls":
		if tlsCfg == nil {
			return nil, errors.New("session: tls transport requires tls config")
		}
		return newTLSTransport(tlsCfg)
	case "quic":
		if tlsCfg == nil {
			return nil, errors.New("session: quic transport requires tls config")
		}
		return newQuicTransport(tlsCfg)
	default:
		return nil, errors.Errorf("session: unknown transport %q", kind)
	}
}

// ExtractNodeID pulls the node identity out of a certificate's SAN URIs,
// expecting mesh://node/<decimal_u64>.
func ExtractNodeID(cert *x509.Certificate) (uint64, error) {
	for _, uri := range cert.URIs {
		s := uri.String()
		if !strings.HasPrefix(s, nodeURIPrefix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(s, nodeURIPrefix), 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, "session: bad node id in certificate URI")
		}
		return id, nil
	}
	return 0, errors.New("session: node id not found in certificate SAN URI")
}

// ExtractNodeIDFromDER parses a DER certificate and extracts the node ID.
func ExtractNodeIDFromDER(der []byte) (uint64, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return 0, errors.Wrap(err, "session: parse certificate")
	}
	return ExtractNodeID(cert)
}

// --- plain TCP ---

type tcpTransport struct{}

// Dial resolves addr and races a connection per resolved IP, taking the
// first that completes; stragglers are closed.
func (tcpTransport) Dial(ctx context.Context, addr string) (net.Conn, []byte, error) {
	c, err := dialFast(ctx, addr)
	return c, nil, err
}

func (tcpTransport) Listen(addr string) (Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpAcceptor{ln}, nil
}

type tcpAcceptor struct{ ln net.Listener }

func (a tcpAcceptor) Accept(ctx context.Context) (net.Conn, []byte, error) {
	conn, err := acceptCtx(ctx, a.ln)
	return conn, nil, err
}
func (a tcpAcceptor) Close() error   { return a.ln.Close() }
func (a tcpAcceptor) Addr() net.Addr { return a.ln.Addr() }

// acceptCtx makes Accept cancelable through deadline polling.
func acceptCtx(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type deadliner interface{ SetDeadline(time.Time) error }
	for {
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		return nil, err
	}
}

// dialFast resolves all IPs for the host and dials them with staggered
// starts, returning the first success.
func dialFast(ctx context.Context, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}
	if _, perr := netip.ParseAddr(host); perr == nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ips, rerr := net.DefaultResolver.LookupIP(rctx, "ip", host)
	if rerr != nil || len(ips) == 0 {
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}

	type result struct {
		c net.Conn
	}
	resCh := make(chan result, 1)
	for i, ip := range ips {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-rctx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: 2 * time.Second}
			c, e := d.DialContext(rctx, "tcp", net.JoinHostPort(ip.String(), port))
			if e != nil {
				return
			}
			select {
			case resCh <- result{c: c}:
				cancel()
			default:
				_ = c.Close()
			}
		}(i, ip)
	}
	select {
	case r := <-resCh:
		return r.c, nil
	case <-rctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}
}

// --- TLS over TCP ---

type tlsTransport struct {
	server *tls.Config
	client *tls.Config
	sni    string
}

func loadTLSMaterial(cfg *TLSConfig) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "session: load keypair")
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "session: read ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, errors.New("session: no CA certificates parsed")
	}
	return cert, pool, nil
}

func newTLSTransport(cfg *TLSConfig) (Transport, error) {
	cert, pool, err := loadTLSMaterial(cfg)
	if err != nil {
		return nil, err
	}
	server := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{alpnMesh},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   []string{alpnMesh},
		MinVersion:   tls.VersionTLS12,
		ServerName:   cfg.SNI,
	}
	return &tlsTransport{server: server, client: client, sni: cfg.SNI}, nil
}

func (t *tlsTransport) Dial(ctx context.Context, addr string) (net.Conn, []byte, error) {
	raw, err := dialFast(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	cfg := t.client
	if cfg.ServerName == "" {
		host, _, herr := net.SplitHostPort(addr)
		if herr != nil {
			host = addr
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, nil, errors.Wrap(err, "session: tls handshake")
	}
	return conn, peerCertDER(conn.ConnectionState()), nil
}

func (t *tlsTransport) Listen(addr string) (Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tlsAcceptor{ln: ln, cfg: t.server}, nil
}

type tlsAcceptor struct {
	ln  net.Listener
	cfg *tls.Config
}

func (a *tlsAcceptor) Accept(ctx context.Context) (net.Conn, []byte, error) {
	raw, err := acceptCtx(ctx, a.ln)
	if err != nil {
		return nil, nil, err
	}
	conn := tls.Server(raw, a.cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, nil, errors.Wrap(err, "session: tls handshake")
	}
	return conn, peerCertDER(conn.ConnectionState()), nil
}

func (a *tlsAcceptor) Close() error   { return a.ln.Close() }
func (a *tlsAcceptor) Addr() net.Addr { return a.ln.Addr() }

func peerCertDER(state tls.ConnectionState) []byte {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0].Raw
}

// --- QUIC ---

// quicTransport runs the wire over one bidirectional stream per session.
// Authentication and identity binding are identical to the TLS transport.
type quicTransport struct {
	server *tls.Config
	client *tls.Config
	conf   *quic.Config
}

func newQuicTransport(cfg *TLSConfig) (Transport, error) {
	cert, pool, err := loadTLSMaterial(cfg)
	if err != nil {
		return nil, err
	}
	server := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{alpnMesh},
		MinVersion:   tls.VersionTLS13,
	}
	client := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   []string{alpnMesh},
		MinVersion:   tls.VersionTLS13,
		ServerName:   cfg.SNI,
	}
	return &quicTransport{
		server: server,
		client: client,
		conf:   &quic.Config{MaxIdleTimeout: 2 * time.Minute, KeepAlivePeriod: 15 * time.Second},
	}, nil
}

func (t *quicTransport) Dial(ctx context.Context, addr string) (net.Conn, []byte, error) {
	cfg := t.client
	if cfg.ServerName == "" {
		host, _, herr := net.SplitHostPort(addr)
		if herr != nil {
			host = addr
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}
	conn, err := quic.DialAddr(ctx, addr, cfg, t.conf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "session: quic dial")
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, nil, err
	}
	return &quicStreamConn{conn: conn, stream: stream}, quicPeerCert(conn), nil
}

func (t *quicTransport) Listen(addr string) (Acceptor, error) {
	ln, err := quic.ListenAddr(addr, t.server, t.conf)
	if err != nil {
		return nil, errors.Wrap(err, "session: quic listen")
	}
	return &quicAcceptor{ln: ln}, nil
}

type quicAcceptor struct{ ln *quic.Listener }

func (a *quicAcceptor) Accept(ctx context.Context) (net.Conn, []byte, error) {
	conn, err := a.ln.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, nil, err
	}
	return &quicStreamConn{conn: conn, stream: stream}, quicPeerCert(conn), nil
}

func (a *quicAcceptor) Close() error   { return a.ln.Close() }
func (a *quicAcceptor) Addr() net.Addr { return a.ln.Addr() }

func quicPeerCert(conn quic.Connection) []byte {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0].Raw
}

// quicStreamConn adapts (connection, stream) to net.Conn for the pump.
type quicStreamConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicStreamConn) Close() error {
	err := c.stream.Close()
	_ = c.conn.CloseWithError(0, "session closed")
	return err
}
func (c *quicStreamConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *quicStreamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicStreamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
