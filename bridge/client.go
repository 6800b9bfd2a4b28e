package bridge

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// ClientState is the connection-establishment position of a Client.
type ClientState int

const (
	ClientStateIdle ClientState = iota
	ClientStateConnecting
	ClientStateHandshakeInFlight
	ClientStateConnected
	ClientStateFailed
	ClientStateClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientStateIdle:
		return "idle"
	case ClientStateConnecting:
		return "connecting"
	case ClientStateHandshakeInFlight:
		return "handshake_in_flight"
	case ClientStateConnected:
		return "connected"
	case ClientStateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Client drives one outgoing connection: handshake retries, version
// renegotiation, replay of the CONNECT request, and creation of the Session.
// All methods run on the reactor.
type Client struct {
	reactor *Reactor
	cfg     *Config
	sink    Sink
	conn    ClientConn
	clk     clock.Clock
	alarm   *Alarm

	state    ClientState
	attempts int
	path     string

	// pendingResend is the single request the engine could not take
	// synchronously. It survives version renegotiation and is dropped only on
	// terminal failure or Close.
	pendingResend *Request

	session                 *Session
	webTransportSupportSeen bool
}

// NewClient returns an idle client over conn. A nil clock uses the wall clock.
func NewClient(r *Reactor, cfg *Config, sink Sink, conn ClientConn, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	c := &Client{
		reactor: r,
		cfg:     cfg,
		sink:    sink,
		conn:    conn,
		clk:     clk,
	}
	c.alarm = NewAlarm(r, clk, c.HandleConnecting)
	return c
}

// State returns the coordinator state.
func (c *Client) State() ClientState { return c.state }

// Session returns the session once connected, nil before.
func (c *Client) Session() *Session { return c.session }

// Attempts returns the handshake attempts made since the last renegotiation.
func (c *Client) Attempts() int { return c.attempts }

// HasPendingResend reports whether a request is waiting for replay.
func (c *Client) HasPendingResend() bool { return c.pendingResend != nil }

func (c *Client) emit(ev Event) {
	if c.sink != nil {
		c.sink.Emit(ev)
	}
}

// Connect submits req and starts the handshake. req reaches the engine
// before the first attempt starts, so an engine that sends request headers
// with the handshake sees them. A request the engine cannot take now is kept
// and replayed once the handshake is confirmed.
func (c *Client) Connect(req *Request) error {
	switch c.state {
	case ClientStateClosed:
		return ErrClientClosed
	case ClientStateFailed:
		return ErrHandshakeFailed
	}

	if req != nil {
		if c.path == "" {
			c.path = req.Header[":path"]
		}
		if !c.conn.SendRequest(req) {
			c.retain(req)
		}
	}

	if c.state == ClientStateIdle {
		c.state = ClientStateConnecting
		c.startAttempt()
	}

	c.armPoll()
	return nil
}

func (c *Client) retain(req *Request) {
	if c.pendingResend != nil {
		c.emit(RequestDropped{Client: c, Request: c.pendingResend, Err: ErrRequestSuperseded})
	}
	c.pendingResend = req.Clone()
}

func (c *Client) startAttempt() {
	c.attempts++
	log.Debug().Int("attempt", c.attempts).Msg("[client] starting handshake")
	if err := c.conn.StartHandshake(); err != nil {
		log.Warn().Err(err).Int("attempt", c.attempts).Msg("[client] handshake start failed")
	}
}

func (c *Client) armPoll() {
	if c.state == ClientStateFailed || c.state == ClientStateClosed {
		return
	}
	c.alarm.Set(c.clk.Now().Add(c.cfg.ConnectPollInterval))
}

// HandleConnecting inspects the engine connection and advances the state
// machine. It is invoked by the poll alarm and may be called directly.
func (c *Client) HandleConnecting() {
	if c.state == ClientStateIdle || c.state == ClientStateFailed || c.state == ClientStateClosed {
		return
	}

	switch c.conn.HandshakeState() {
	case HandshakeFailed:
		if !c.retryHandshake() {
			return
		}
	case HandshakeIdle, HandshakeInFlight:
		if c.state == ClientStateConnecting {
			c.state = ClientStateHandshakeInFlight
		}
	case HandshakeConfirmed:
		c.onConfirmed()
	}

	if c.done() {
		c.alarm.Cancel()
		return
	}
	c.armPoll()
}

// retryHandshake returns false when the connection attempt is over.
func (c *Client) retryHandshake() bool {
	if c.session != nil {
		c.fail(ErrHandshakeFailed)
		return false
	}
	if c.attempts < c.cfg.MaxHandshakeAttempts {
		c.startAttempt()
		return true
	}
	if c.conn.CanReconnectWithDifferentVersion() {
		log.Info().Int("attempts", c.attempts).Msg("[client] reconnecting with a different version")
		err := c.conn.ReconnectWithDifferentVersion()
		if err == nil {
			c.attempts = 1
			c.state = ClientStateConnecting
			return true
		}
		log.Warn().Err(err).Msg("[client] version renegotiation failed")
	}
	c.fail(fmt.Errorf("%w after %d attempts", ErrHandshakeFailed, c.attempts))
	return false
}

func (c *Client) onConfirmed() {
	if req := c.pendingResend; req != nil && c.conn.SendRequest(req) {
		c.pendingResend = nil
		log.Debug().Str("path", req.Header[":path"]).Msg("[client] request replayed")
		c.emit(RequestReplayed{Client: c, Request: req})
	}

	if c.session == nil {
		h := c.conn.Session()
		if h == nil {
			return
		}
		c.session = newSession(c.reactor, c.cfg, c.sink, h, c.path)
		c.state = ClientStateConnected
		log.Info().
			Uint64("session_id", uint64(c.session.id)).
			Int("attempts", c.attempts).
			Msg("[client] connected")
		c.emit(ClientConnected{Client: c})
	}

	if !c.webTransportSupportSeen {
		if settled, supported := c.conn.WebTransportSupport(); settled {
			c.webTransportSupportSeen = true
			c.emit(WebTransportSupport{Client: c, Supported: supported})
		}
	}
}

func (c *Client) done() bool {
	if c.state == ClientStateFailed || c.state == ClientStateClosed {
		return true
	}
	return c.session != nil && c.webTransportSupportSeen && c.pendingResend == nil
}

func (c *Client) fail(err error) {
	c.state = ClientStateFailed
	c.alarm.Cancel()
	c.dropPending(err)
	log.Error().Err(err).Msg("[client] connection failed")
	c.emit(ConnectionFailed{Client: c, Err: err})
	if c.session != nil {
		c.session.Detach()
	}
	c.conn.Close()
}

func (c *Client) dropPending(err error) {
	if c.pendingResend == nil {
		return
	}
	req := c.pendingResend
	c.pendingResend = nil
	c.emit(RequestDropped{Client: c, Request: req, Err: err})
}

// Close abandons the connection. A connected session is detached and every
// pending operation gets its failure signal.
func (c *Client) Close() {
	if c.state == ClientStateClosed {
		return
	}
	c.state = ClientStateClosed
	c.alarm.Cancel()
	c.dropPending(ErrClientClosed)
	if c.session != nil {
		c.session.Detach()
	}
	c.conn.Close()
	log.Debug().Msg("[client] closed")
}
