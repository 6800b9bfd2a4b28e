package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"gosuda.org/wtbridge/bridge"
	"gosuda.org/wtbridge/utils"
)

type sessionRow struct {
	ID           uint64        `json:"id"`
	Path         string        `json:"path"`
	State        string        `json:"state"`
	Streams      int           `json:"streams"`
	PendingBidi  int           `json:"pending_bidi_opens"`
	PendingUnidi int           `json:"pending_unidi_opens"`
	SmoothedRTT  time.Duration `json:"smoothed_rtt_ns"`
	AverageRTT   time.Duration `json:"average_rtt_ns"`
	DatagramsOut uint64        `json:"datagrams_sent"`
	DatagramsIn  uint64        `json:"datagrams_received"`
	DatagramLoss float64       `json:"datagram_loss"`
}

func newSessionRow(s *bridge.Session) sessionRow {
	st, _ := s.Stats()
	bidi, unidi := s.PendingOpens()
	return sessionRow{
		ID:           uint64(s.ID()),
		Path:         s.Path(),
		State:        s.State().String(),
		Streams:      len(s.Streams()),
		PendingBidi:  bidi,
		PendingUnidi: unidi,
		SmoothedRTT:  st.SmoothedRTT,
		AverageRTT:   st.AverageRTT,
		DatagramsOut: st.DatagramsSent,
		DatagramsIn:  st.DatagramsReceived,
		DatagramLoss: st.DatagramLoss,
	}
}

// newAdminRouter serves health, session inspection and metrics. Session
// routes answer only loopback and private clients.
func newAdminRouter(core *bridge.Server, metrics *bridgeMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if core.Reactor().Stopped() {
			http.Error(w, "reactor stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/sessions", func(r chi.Router) {
		r.Use(localOnly)
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			var rows []sessionRow
			err := core.Reactor().Do(req.Context(), func() {
				for _, s := range core.Sessions() {
					rows = append(rows, newSessionRow(s))
				}
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			if rows == nil {
				rows = []sessionRow{}
			}
			writeJSON(w, rows)
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, ok := sessionID(w, req)
			if !ok {
				return
			}
			var row sessionRow
			var found bool
			err := core.Reactor().Do(req.Context(), func() {
				if s, ok := core.Session(id); ok {
					row, found = newSessionRow(s), true
				}
			})
			switch {
			case err != nil:
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			case !found:
				http.NotFound(w, req)
			default:
				writeJSON(w, row)
			}
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, ok := sessionID(w, req)
			if !ok {
				return
			}
			var found bool
			err := core.Reactor().Do(req.Context(), func() {
				if s, ok := core.Session(id); ok {
					found = true
					s.Close(0, "closed by admin")
				}
			})
			switch {
			case err != nil:
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			case !found:
				http.NotFound(w, req)
			default:
				log.Info().Uint64("session_id", uint64(id)).Msg("[admin] session close requested")
				w.WriteHeader(http.StatusAccepted)
			}
		})
	})

	return r
}

func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !utils.IsLocalhost(r) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionID(w http.ResponseWriter, r *http.Request) (bridge.SessionID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return 0, false
	}
	return bridge.SessionID(id), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("[admin] encode response")
	}
}
