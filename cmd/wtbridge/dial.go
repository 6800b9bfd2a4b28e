package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/wtbridge/bridge"
	"gosuda.org/wtbridge/quicengine"
	"gosuda.org/wtbridge/utils"
)

var dialCmd = &cobra.Command{
	Use:   "dial <server>",
	Short: "Connect to a WebTransport server and echo stdin through a stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runDial,
}

var (
	flagCertHash    string
	flagInsecure    bool
	flagProtocols   []string
	flagDatagrams   bool
	flagDialTimeout time.Duration
	flagLocalAddr   string
)

func init() {
	flags := dialCmd.Flags()
	flags.StringVar(&flagCertHash, "cert-hash", "", "hex SHA-256 of the server certificate to pin")
	flags.BoolVar(&flagInsecure, "insecure", false, "skip server certificate verification")
	flags.StringSliceVar(&flagProtocols, "protocol", nil, "offered WebTransport subprotocols in preference order")
	flags.BoolVar(&flagDatagrams, "datagrams", false, "send stdin lines as datagrams instead of one stream")
	flags.DurationVar(&flagDialTimeout, "timeout", 0, "abort when not connected within this duration (0 waits for the handshake budget)")
	flags.StringVar(&flagLocalAddr, "local", ":0", "local UDP address; egress is paced by egress_bytes_per_second")
}

func dialTLSConfig() (*tls.Config, error) {
	switch {
	case flagCertHash != "":
		cfg, err := utils.PinnedTLSConfig(flagCertHash)
		if err != nil {
			return nil, err
		}
		cfg.NextProtos = []string{"h3"}
		return cfg, nil
	case flagInsecure:
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}, nil //nolint:gosec
	default:
		return &tls.Config{NextProtos: []string{"h3"}}, nil
	}
}

// connectRequest is the CONNECT header block for target.
func connectRequest(target string, protocols []string) (*bridge.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	h := map[string]string{
		":method":    "CONNECT",
		":protocol":  "webtransport",
		":scheme":    "https",
		":authority": u.Host,
		":path":      u.RequestURI(),
	}
	if len(protocols) > 0 {
		quoted := make([]string, len(protocols))
		for i, p := range protocols {
			quoted[i] = fmt.Sprintf("%q", p)
		}
		h["wt-available-protocols"] = strings.Join(quoted, ", ")
	}
	return &bridge.Request{Header: h}, nil
}

func runDial(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target, err := utils.NormalizeURL(args[0], "/echo")
	if err != nil {
		return err
	}
	tlsConf, err := dialTLSConfig()
	if err != nil {
		return err
	}
	req, err := connectRequest(target, flagProtocols)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reactor := bridge.NewReactor()
	go func() {
		if err := reactor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[client] reactor stopped")
		}
	}()

	events := bridge.NewEventQueue(ctx)
	defer events.Close()
	// Stop runs first so completions of dropped tasks still reach the queue.
	defer reactor.Stop()

	pc, err := quicengine.ListenUDP(flagLocalAddr, *cfg)
	if err != nil {
		return err
	}
	defer pc.Close()

	dialer := quicengine.NewDialer(reactor, cfg, target, tlsConf).WithPacketConn(pc)
	client := bridge.NewClient(reactor, cfg, events, dialer, clock.New())
	defer reactor.Do(context.Background(), client.Close) //nolint:errcheck

	var connectErr error
	if err := reactor.Do(ctx, func() { connectErr = client.Connect(req) }); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}
	log.Info().Str("url", target).Msg("[client] connecting")

	d := &dialSession{reactor: reactor, out: os.Stdout, in: os.Stdin, datagrams: flagDatagrams}
	return d.run(ctx, events, flagDialTimeout)
}

// dialSession pumps stdin to the server once connected and prints what
// comes back. Event handling runs on the consumer goroutine; every core call
// is scheduled on the reactor.
type dialSession struct {
	reactor   *bridge.Reactor
	out       io.Writer
	in        io.Reader
	datagrams bool

	connected bool
	stream    *bridge.Stream
}

var errConnectTimeout = errors.New("connect timed out")

// run consumes events until the session ends. A non-zero timeout bounds the
// wait for ClientConnected.
func (d *dialSession) run(ctx context.Context, events *bridge.EventQueue, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			if !d.connected {
				return errConnectTimeout
			}
		case ev, ok := <-events.C():
			if !ok {
				return nil
			}
			done, err := d.handle(ev)
			if done || err != nil {
				return err
			}
		}
	}
}

func (d *dialSession) handle(ev bridge.Event) (bool, error) {
	switch e := ev.(type) {
	case bridge.WebTransportSupport:
		if !e.Supported {
			return true, errors.New("server does not support WebTransport")
		}

	case bridge.ClientConnected:
		d.connected = true
		client := e.Client
		d.reactor.Schedule(func() {
			sess := client.Session()
			if sess == nil {
				return
			}
			if d.datagrams {
				go d.pumpDatagrams(sess)
				return
			}
			sess.TryOpenBidiStream(true, 0, 0)
		})

	case bridge.ConnectionFailed:
		return true, e.Err

	case bridge.RequestDropped:
		log.Warn().Err(e.Err).Msg("[client] connect request dropped")

	case bridge.SessionReady:
		log.Info().Str("subprotocol", e.Subprotocol).Msg("[client] session ready")

	case bridge.NewStream:
		if !e.Incoming && e.Bidirectional && d.stream == nil {
			d.stream = e.Stream
			go d.pumpStream(e.Stream)
		}

	case bridge.StreamOpenFailed:
		return true, fmt.Errorf("open stream: %w", e.Err)

	case bridge.StreamRead:
		if e.Data != nil {
			_, _ = d.out.Write(e.Data.Bytes())
			e.Data.Release()
		}
		if e.Fin && e.Stream == d.stream {
			return true, nil
		}
		if !e.Drained {
			d.reactor.Schedule(e.Stream.ResumeReading)
		}

	case bridge.StreamNetworkFinish:
		if e.Stream == d.stream && e.Side == bridge.ReadSide && e.Cause != bridge.FinishFin {
			return true, fmt.Errorf("stream %s by peer (code %d)", e.Cause, e.Code)
		}

	case bridge.DatagramReceived:
		_, _ = d.out.Write(e.Data.Bytes())
		e.Data.Release()

	case bridge.DatagramSendComplete:
		if e.Err != nil {
			log.Warn().Err(e.Err).Msg("[client] datagram not sent")
		}

	case bridge.SessionClosed:
		log.Info().Uint32("code", e.Code).Str("message", e.Message).Msg("[client] session closed")
		return true, nil
	}
	return false, nil
}

func (d *dialSession) pumpStream(st *bridge.Stream) {
	r := bufio.NewReader(d.in)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			d.reactor.Schedule(func() { st.WriteChunk(line, nil) })
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Msg("[client] read stdin")
			}
			d.reactor.Schedule(st.Finish)
			return
		}
	}
}

func (d *dialSession) pumpDatagrams(sess *bridge.Session) {
	scanner := bufio.NewScanner(d.in)
	for scanner.Scan() {
		line := append(append([]byte(nil), scanner.Bytes()...), '\n')
		sess.ScheduleWriteDatagram(line, nil)
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("[client] read stdin")
	}
}
