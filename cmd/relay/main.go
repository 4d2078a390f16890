// Command relay runs the connection-dispatch server with the bundled HTTP/1.1
// handler.
//
//	relay -config relay.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/relay/pkg/relay/config"
	"github.com/yourusername/relay/pkg/relay/dispatch"
	"github.com/yourusername/relay/pkg/relay/geo"
	"github.com/yourusername/relay/pkg/relay/http1"
	"github.com/yourusername/relay/pkg/relay/listener"
	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/metrics"
	"github.com/yourusername/relay/pkg/relay/session"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()
	for _, w := range cfg.Warnings() {
		logger.Warn(w, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		srv := serveMetrics(cfg.Metrics, m, logger)
		defer srv.Close()
	}

	var locator session.Locator
	if cfg.GeoIP.Database != "" {
		db, err := geo.Open(cfg.GeoIP.Database)
		if err != nil {
			logger.Warn("geoip disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer db.Close()
			locator = db
		}
	}

	responder := http1.Info()
	if cfg.HTTP.Root != "" {
		responder = http1.Dir(cfg.HTTP.Root)
	}
	opts := cfg.HTTP.Options
	opts.Logger = logger

	d := dispatch.New(dispatch.Config{
		Listener: listener.Config{
			Address:      cfg.Server.Address,
			InsecurePort: cfg.Server.InsecurePort,
			SecurePort:   cfg.Server.SecurePort,
			TLS:          tlsConfig,
		},
		Hostname:        cfg.Server.Hostname,
		MaxRequestSize:  cfg.Server.MaxRequestSize,
		Policy:          cfg.Policy(),
		Handler:         http1.NewHandler(responder, opts),
		Socket:          cfg.SocketConfig(),
		Locator:         locator,
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		WriteTimeout:    cfg.Server.WriteTimeout,
		Logger:          logger,
		Metrics:         m,
	})

	if len(d.Init(ctx)) == 0 {
		return errors.New("no listener could be bound")
	}
	if cfg.TLS.Manager() != nil {
		// Challenges are answered with TLS-ALPN-01 on the secure port.
		logger.Info("acme enabled", map[string]interface{}{"domains": cfg.TLS.Domains})
	}
	if err := d.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", map[string]interface{}{
		"active_sessions": d.ActiveSessions(),
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown deadline exceeded, connections aborted", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// serveMetrics exposes the Prometheus registry on its own listener.
func serveMetrics(cfg config.MetricsConfig, m *metrics.Metrics, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	logger.Info("metrics listening", map[string]interface{}{"address": cfg.Address, "path": cfg.Path})
	return srv
}
