package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/webrtcproxy/internal/api"
	"github.com/flowpbx/webrtcproxy/internal/b2bua"
	"github.com/flowpbx/webrtcproxy/internal/config"
	"github.com/flowpbx/webrtcproxy/internal/database"
	"github.com/flowpbx/webrtcproxy/internal/metrics"
	"github.com/flowpbx/webrtcproxy/internal/registrar"
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
	sipserver "github.com/flowpbx/webrtcproxy/internal/sip"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting webrtcproxy",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"ws_port", cfg.SIPWSPort,
		"tls", cfg.TLSEnabled(),
	)
	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	creds, err := config.LoadCredentials(cfg.CredentialsFile, logger)
	if err != nil {
		slog.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	if err := creds.Watch(appCtx); err != nil {
		slog.Warn("credentials file will not be reloaded", "error", err)
	}

	pool, err := newEnginePool(cfg, logger)
	if err != nil {
		slog.Error("failed to create rtpengine pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	go pool.Run(appCtx)

	// Open the call record database and run migrations.
	db, err := database.Open(cfg.SQLitePath(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	cdrs := database.NewCDRRepository(db)
	go database.NewCDRPruner(cdrs, cfg.CDRRetention, logger).Run(appCtx)

	directory := registrar.NewDirectory(cfg.MultiRegistration, logger)
	go directory.RunExpiryCleanup(appCtx)

	proc := b2bua.NewProcessor(b2bua.ProcessorConfig{
		Directory: directory,
		Resolver:  b2bua.NewResolver(directory, creds, cfg.Simring),
		Media:     b2bua.PoolSource(pool),
		Profile: b2bua.MediaProfile{
			WebRTCCodecs:    cfg.WebRTCCodecList(),
			WebRTCInterface: cfg.MediaIfaceWebRTC,
			SIPInterface:    cfg.MediaIfaceSIP,
		},
		CDR:        cdrs,
		InfoRelay:  cfg.InfoRelayTypeList(),
		Advertised: b2bua.AdvertisedAddr{Host: cfg.AdvertisedHost(), Port: cfg.SIPPort},
	}, logger)
	proc.Start(appCtx)

	sipSrv, err := sipserver.NewServer(cfg, proc, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(proc, directory, pool, sipSrv.Guard(), startTime),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}
	if cfg.AdminPasswordHash == "" {
		slog.Warn("no admin password hash configured, admin API login is disabled")
	}

	handler := api.NewServer(cfg, api.Deps{
		Calls:     proc,
		Directory: directory,
		Engines:   pool,
		Guard:     sipSrv.Guard(),
		Tracer:    sipSrv.Tracer(),
		CDRs:      cdrs,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, jwtSecret, logger)
	go handler.Run(appCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("webrtcproxy stopped")
}

// newEnginePool builds the rtpengine pool from the static address list and,
// when configured, a DNS SRV name.
func newEnginePool(cfg *config.Config, logger *slog.Logger) (*rtpengine.Pool, error) {
	poolCfg := rtpengine.PoolConfig{
		Addrs:        cfg.RTPEngineAddrs(),
		SRVName:      cfg.RTPEngineSRV,
		Timeout:      cfg.RTPEngineTimeout,
		PingInterval: cfg.RTPEnginePingInterval,
	}
	if cfg.RTPEngineSRV != "" {
		resolver, err := rtpengine.NewSRVResolver("")
		if err != nil {
			return nil, err
		}
		poolCfg.Resolver = resolver
	}
	return rtpengine.NewPool(poolCfg, logger)
}

// hashPassword reads a password from stdin and prints its argon2id hash
// for use as admin-password-hash.
func hashPassword() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
