package main

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/rs/zerolog/log"

	"gosuda.org/wtbridge/bridge"
	"gosuda.org/wtbridge/utils"
)

// echoApp answers every incoming bidirectional stream and datagram with its
// own payload. Unidirectional streams are drained.
type echoApp struct {
	core    *bridge.Server
	metrics *bridgeMetrics

	paths        map[string]struct{}
	origins      []string
	subprotocols []string
}

func newEchoApp(core *bridge.Server, metrics *bridgeMetrics, paths, origins, subprotocols []string) *echoApp {
	a := &echoApp{
		core:         core,
		metrics:      metrics,
		paths:        make(map[string]struct{}, len(paths)),
		origins:      origins,
		subprotocols: subprotocols,
	}
	for _, p := range paths {
		a.paths[p] = struct{}{}
	}
	core.Backend().SetRequestHandler(a.handleRequest)
	return a
}

// handleRequest runs on the reactor.
func (a *echoApp) handleRequest(req *bridge.SessionRequest) {
	status := http.StatusOK
	switch {
	case !utils.OriginAllowed(a.origins, req.Origin):
		status = http.StatusForbidden
	case !a.servesPath(req.Path):
		status = http.StatusNotFound
	}
	a.metrics.requests.WithLabelValues(strconv.Itoa(status)).Inc()

	if status != http.StatusOK {
		log.Debug().
			Str("path", req.Path).
			Str("origin", req.Origin).
			Int("status", status).
			Msg("[echo] session request rejected")
		req.Reject(status)
		return
	}
	req.Accept(negotiate(a.subprotocols, req.Protocols))
}

func (a *echoApp) servesPath(path string) bool {
	if len(a.paths) == 0 {
		return true
	}
	_, ok := a.paths[path]
	return ok
}

// negotiate picks the client's most preferred protocol the server supports.
func negotiate(supported, offered []string) string {
	for _, p := range offered {
		if slices.Contains(supported, p) {
			return p
		}
	}
	return ""
}

// run moves events from q back onto the reactor until q is closed.
func (a *echoApp) run(ctx context.Context, q *bridge.EventQueue) {
	reactor := a.core.Reactor()
	for {
		select {
		case ev, ok := <-q.C():
			if !ok {
				return
			}
			reactor.Schedule(func() { a.handle(ev) })
		case <-ctx.Done():
			return
		}
	}
}

// handle runs on the reactor.
func (a *echoApp) handle(ev bridge.Event) {
	switch e := ev.(type) {
	case bridge.SessionReady:
		a.metrics.sessionsActive.Set(float64(len(a.core.Sessions())))
		log.Info().
			Uint64("session_id", uint64(e.Session.ID())).
			Str("path", e.Session.Path()).
			Str("subprotocol", e.Subprotocol).
			Msg("[echo] session ready")

	case bridge.SessionClosed:
		a.metrics.sessionsActive.Set(float64(len(a.core.Sessions())))
		log.Info().
			Uint64("session_id", uint64(e.Session.ID())).
			Uint32("code", e.Code).
			Str("message", e.Message).
			Msg("[echo] session closed")

	case bridge.NewStream:
		a.metrics.streams.WithLabelValues(streamKind(e.Bidirectional), streamOrigin(e.Incoming)).Inc()

	case bridge.StreamRead:
		a.onStreamRead(e)

	case bridge.StreamWriteComplete:
		if buf, ok := e.Token.(*bridge.Buffer); ok {
			if e.Err == nil {
				a.metrics.streamBytes.WithLabelValues("out").Add(float64(buf.Len()))
			}
			buf.Release()
		}
		if e.Err != nil {
			log.Debug().Err(e.Err).Uint64("stream_id", uint64(e.Stream.ID())).Msg("[echo] write failed")
		}

	case bridge.StreamNetworkFinish:
		a.metrics.streamFinishes.WithLabelValues(e.Side.String(), e.Cause.String()).Inc()

	case bridge.DatagramReceived:
		a.metrics.datagrams.WithLabelValues("in", "ok").Inc()
		e.Session.WriteDatagram(e.Data.Bytes(), e.Data)

	case bridge.DatagramSendComplete:
		result := "ok"
		if e.Err != nil {
			result = "failed"
		}
		a.metrics.datagrams.WithLabelValues("out", result).Inc()
		if buf, ok := e.Token.(*bridge.Buffer); ok {
			buf.Release()
		}
	}
}

func (a *echoApp) onStreamRead(e bridge.StreamRead) {
	st := e.Stream
	if e.Data != nil {
		a.metrics.streamBytes.WithLabelValues("in").Add(float64(e.Data.Len()))
		if st.Bidirectional() && e.Data.Len() > 0 {
			st.WriteChunk(e.Data.Bytes(), e.Data)
		} else {
			e.Data.Release()
		}
	}
	if e.Fin {
		if st.Bidirectional() {
			st.Finish()
		}
		return
	}
	if !e.Drained {
		st.ResumeReading()
	}
}

func streamKind(bidi bool) string {
	if bidi {
		return "bidi"
	}
	return "uni"
}

func streamOrigin(incoming bool) string {
	if incoming {
		return "peer"
	}
	return "local"
}
