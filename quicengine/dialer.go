package quicengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"

	"gosuda.org/wtbridge/bridge"
)

// DefaultVersions is the order in which QUIC versions are tried.
var DefaultVersions = []quic.Version{quic.Version1, quic.Version2}

// Dialer is the bridge.ClientConn for one WebTransport URL. Each handshake
// attempt is a webtransport-go Dial pinned to a single QUIC version;
// renegotiation moves on to the next version.
type Dialer struct {
	reactor  *bridge.Reactor
	cfg      *bridge.Config
	url      string
	tlsConf  *tls.Config
	versions []quic.Version

	transport *quic.Transport

	mu         sync.Mutex
	header     http.Header
	sentHeader http.Header
	versionIdx int
	gen        int
	state      bridge.HandshakeState
	session    *Session
	settled    bool
	supported  bool
	cancel     context.CancelFunc
	closed     bool
}

var _ bridge.ClientConn = (*Dialer)(nil)

// NewDialer prepares a dialer for url. A nil tlsConf uses the system roots.
func NewDialer(r *bridge.Reactor, cfg *bridge.Config, url string, tlsConf *tls.Config) *Dialer {
	return &Dialer{
		reactor:  r,
		cfg:      cfg,
		url:      url,
		tlsConf:  tlsConf,
		versions: DefaultVersions,
		header:   make(http.Header),
	}
}

// WithPacketConn makes every attempt run over pc instead of a fresh UDP socket.
func (d *Dialer) WithPacketConn(pc net.PacketConn) *Dialer {
	d.transport = &quic.Transport{Conn: pc}
	return d
}

// WithVersions overrides the QUIC version order.
func (d *Dialer) WithVersions(versions ...quic.Version) *Dialer {
	if len(versions) > 0 {
		d.versions = versions
	}
	return d
}

// Version returns the QUIC version of the current attempt.
func (d *Dialer) Version() quic.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions[d.versionIdx]
}

func (d *Dialer) StartHandshake() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return bridge.ErrClientClosed
	}
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.gen++
	d.state = bridge.HandshakeInFlight
	d.sentHeader = d.header.Clone()

	go d.dial(ctx, d.gen, d.versions[d.versionIdx], d.sentHeader.Clone())
	return nil
}

func (d *Dialer) dial(ctx context.Context, gen int, version quic.Version, header http.Header) {
	wd := webtransport.Dialer{
		TLSClientConfig: d.tlsConf,
		DialAddr: func(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) (*quic.Conn, error) {
			if conf == nil {
				conf = &quic.Config{EnableDatagrams: true}
			} else {
				conf = conf.Clone()
			}
			conf.Versions = []quic.Version{version}
			if d.transport == nil {
				return quic.DialAddrEarly(ctx, addr, tlsConf, conf)
			}
			udpAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				return nil, err
			}
			return d.transport.DialEarly(ctx, udpAddr, tlsConf, conf)
		},
	}

	// On success the response body is the CONNECT stream and lives as long
	// as the session.
	resp, sess, err := wd.Dial(ctx, d.url, header)
	if err != nil && resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.closed {
		if sess != nil {
			sess.CloseWithError(0, "superseded")
		}
		return
	}
	if err != nil {
		d.state = bridge.HandshakeFailed
		if resp != nil {
			// The peer answered, so its WebTransport support is known.
			d.settled, d.supported = true, false
		}
		log.Warn().Err(fmt.Errorf("webtransport dial %s: %w", d.url, err)).
			Str("version", version.String()).
			Msg("[quic] handshake failed")
		return
	}

	d.state = bridge.HandshakeConfirmed
	d.settled, d.supported = true, true
	subprotocol := ""
	if resp != nil {
		subprotocol = strings.Trim(resp.Header.Get("WT-Protocol"), `"`)
	}
	d.session = newSession(d.reactor, d.cfg, sess, subprotocol)
	d.session.start()
	log.Info().Str("url", d.url).Str("version", version.String()).Msg("[quic] session established")
}

func (d *Dialer) HandshakeState() bridge.HandshakeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dialer) Session() bridge.SessionHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	return d.session
}

func (d *Dialer) WebTransportSupport() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled, d.supported
}

// SendRequest folds the request's regular headers into the CONNECT of the
// next attempt. It reports true only once a confirmed session was opened by
// a CONNECT that carried those headers.
func (d *Dialer) SendRequest(req *bridge.Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	carried := d.state == bridge.HandshakeConfirmed
	for k, v := range req.Header {
		if strings.HasPrefix(k, ":") {
			continue
		}
		d.header.Set(k, v)
		if d.sentHeader.Get(k) != v {
			carried = false
		}
	}
	if d.state == bridge.HandshakeConfirmed && !carried {
		log.Warn().Str("url", d.url).Msg("[quic] request headers arrived after the CONNECT was sent")
	}
	return carried
}

// SentHeader returns the header block of the latest CONNECT attempt.
func (d *Dialer) SentHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sentHeader.Clone()
}

func (d *Dialer) CanReconnectWithDifferentVersion() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.versionIdx+1 < len(d.versions)
}

func (d *Dialer) ReconnectWithDifferentVersion() error {
	d.mu.Lock()
	if d.versionIdx+1 >= len(d.versions) {
		d.mu.Unlock()
		return fmt.Errorf("no QUIC version left after %s", d.versions[d.versionIdx])
	}
	d.versionIdx++
	d.mu.Unlock()
	return d.StartHandshake()
}

func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	if d.transport != nil {
		go d.transport.Close()
	}
}
