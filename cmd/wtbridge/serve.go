package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/wtbridge/bridge"
	"gosuda.org/wtbridge/quicengine"
	"gosuda.org/wtbridge/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a WebTransport echo server",
	RunE:  runServe,
}

var (
	flagListen       string
	flagAdminHTTP    string
	flagPaths        []string
	flagOrigins      []string
	flagSubprotocols []string
	flagCertFile     string
	flagKeyFile      string
	flagCertHosts    []string
	flagDrainTimeout time.Duration
)

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagListen, "listen", ":4433", "UDP address for HTTP/3 (WebTransport)")
	flags.StringVar(&flagAdminHTTP, "admin-http", ":8080", "admin HTTP API (health, sessions, metrics); empty disables")
	flags.StringSliceVar(&flagPaths, "path", []string{"/echo"}, "paths that accept sessions; empty accepts every path")
	flags.StringSliceVar(&flagOrigins, "allow-origin", nil, "allowed Origin patterns (e.g. *.example.com); empty allows all")
	flags.StringSliceVar(&flagSubprotocols, "subprotocol", nil, "supported WebTransport subprotocols in server preference")
	flags.StringVar(&flagCertFile, "cert", "", "TLS certificate file (a self-signed one is generated when empty)")
	flags.StringVar(&flagKeyFile, "key", "", "TLS key file")
	flags.StringSliceVar(&flagCertHosts, "cert-host", []string{"localhost", "127.0.0.1", "::1"}, "hosts covered by the generated certificate")
	flags.DurationVar(&flagDrainTimeout, "drain-timeout", 2*time.Second, "time sessions get after the drain notice on shutdown")
}

func serverCertificate() (tls.Certificate, []byte, error) {
	if flagCertFile != "" || flagKeyFile != "" {
		if flagCertFile == "" || flagKeyFile == "" {
			return tls.Certificate{}, nil, errors.New("--cert and --key must be given together")
		}
		return utils.LoadCertificate(flagCertFile, flagKeyFile)
	}
	return utils.GenerateSelfSignedCert(flagCertHosts...)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cert, hash, err := serverCertificate()
	if err != nil {
		return err
	}
	log.Info().Str("sha256", hex.EncodeToString(hash)).Msg("[server] certificate hash (serverCertificateHashes / --cert-hash)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reactor := bridge.NewReactor()
	go func() {
		if err := reactor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[server] reactor stopped")
		}
	}()

	events := bridge.NewEventQueue(ctx)
	metrics := newBridgeMetrics()
	core := bridge.NewServer(reactor, cfg, events)
	app := newEchoApp(core, metrics, flagPaths, flagOrigins, flagSubprotocols)
	go app.run(ctx, events)

	conn, err := quicengine.ListenUDP(flagListen, *cfg)
	if err != nil {
		return err
	}
	wt := quicengine.NewServer(core, cfg, flagListen, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3"},
	})
	go func() {
		if err := wt.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("[server] http/3 error")
			cancel()
		}
	}()

	var admin *http.Server
	if flagAdminHTTP != "" {
		admin = &http.Server{
			Addr:              flagAdminHTTP,
			Handler:           newAdminRouter(core, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Msgf("[server] admin http: %s", flagAdminHTTP)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[server] admin http error")
				cancel()
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info().Msg("[server] shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), flagDrainTimeout+time.Second)
	defer drainCancel()
	_ = reactor.Do(drainCtx, func() {
		for _, s := range core.Sessions() {
			s.NotifyDraining()
		}
	})
	select {
	case <-time.After(flagDrainTimeout):
	case <-ctx.Done():
	}
	// Shutdown runs on the reactor while it still accepts tasks, so every
	// session and stream completes before the engine goes away.
	_ = reactor.Do(drainCtx, core.Shutdown)

	if admin != nil {
		_ = admin.Shutdown(drainCtx)
	}
	if err := wt.Close(); err != nil {
		log.Debug().Err(err).Msg("[server] close http/3")
	}
	conn.Close()
	// Stop before closing the queue: tasks it drops still emit their completions.
	reactor.Stop()
	events.Close()
	return nil
}
