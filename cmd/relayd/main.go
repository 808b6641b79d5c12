// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// relayd is a minimal log-stream relay built on the netstream driver. It
// accepts inbound connections (plain or TLS with peer authentication) and
// forwards every received byte over an outbound driver connection to the
// configured target.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/logrelay/netstream"
	"github.com/logrelay/netstream/pkg/breaker"
	"github.com/logrelay/netstream/pkg/driver"
	errs "github.com/logrelay/netstream/pkg/errors"
	"github.com/logrelay/netstream/pkg/health"
	"github.com/logrelay/netstream/pkg/metrics"
	"github.com/logrelay/netstream/pkg/pool"
	"github.com/logrelay/netstream/pkg/ptcp"
	"github.com/logrelay/netstream/pkg/ratelimit"
	"github.com/logrelay/netstream/pkg/tlsctx"
)

const envPrefix = "RELAY_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	cfg, err := netstream.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Port == "" {
		logger.Error("listen port not configured")
		os.Exit(1)
	}

	tctx := tlsctx.New(tlsctx.Config{
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
		CAFile:   cfg.CAFile,
		Logger:   logger,
	})
	if cfg.Mode == "tls" {
		if err := tctx.Init(); err != nil {
			logger.Error("TLS context init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer tctx.Teardown()
	}

	m := metrics.New("netstream")
	drv := driver.New(driver.Config{
		TLSContext: tctx,
		Metrics:    m,
		Logger:     logger,
	})

	lstn, err := newListenerSession(drv, cfg)
	if err != nil {
		logger.Error("listener setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer lstn.Close()

	r := &relayer{
		drv:    drv,
		cfg:    cfg,
		logger: logger,
		bufs:   pool.NewBuffers(0),
		brk: breaker.New(breaker.Config{
			FailureThreshold: cfg.TargetFailureThreshold,
			Cooldown:         cfg.TargetCooldown,
		}),
	}
	if cfg.AcceptRate > 0 {
		r.limiter = ratelimit.New(cfg.AcceptRate, cfg.AcceptBurst, 0)
	}

	// Health and metrics endpoint
	if cfg.MetricsAddress != "" {
		checker := health.NewChecker(10 * time.Second)
		checker.Register("listener", func(ctx context.Context) error {
			if lstn.HandshakeState() == driver.HandshakeFailed {
				return errors.New("listener session failed")
			}
			return nil
		})
		checker.Register("target", func(ctx context.Context) error {
			if r.brk.State() == breaker.StateOpen {
				return errors.New("target circuit open")
			}
			return nil
		})
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddress, checker, logger)
		})
	}

	// Accept loop
	g.Go(func() error {
		return r.acceptLoop(ctx, lstn)
	})

	// Signal handler
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(fmt.Sprintf("relayd terminated with error: %s", err))
	} else {
		logger.Info("relayd stopped")
	}
}

// newListenerSession configures and binds the listening session.
func newListenerSession(drv *driver.Driver, cfg netstream.Config) (*driver.Session, error) {
	s := drv.NewSession()

	mode, err := driver.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if err := s.SetMode(mode); err != nil {
		return nil, err
	}
	if err := s.SetAuthMode(cfg.AuthMode); err != nil {
		return nil, err
	}
	if err := s.SetPermittedPeers(cfg.PermittedPeers); err != nil {
		return nil, err
	}
	if err := s.ListenInit(cfg.Port, cfg.Host, cfg.MaxSessions); err != nil {
		return nil, err
	}
	return s, nil
}

// relayer owns the forwarding path: per-remote accept rate limiting, the
// outbound target circuit breaker, and the shared copy-buffer pool.
type relayer struct {
	drv     *driver.Driver
	cfg     netstream.Config
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	bufs    *pool.Buffers
}

// acceptLoop accepts inbound sessions and relays each one in its own goroutine.
func (r *relayer) acceptLoop(ctx context.Context, lstn *driver.Session) error {
	// Unblock the accept call when shutdown is requested.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = lstn.Close()
		case <-done:
		}
	}()

	for {
		sess, err := lstn.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			r.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		if remote, _, err := net.SplitHostPort(sess.RemoteAddress()); err == nil && !r.limiter.Allow(remote) {
			r.logger.Warn("connection rate exceeded, dropping session",
				slog.String("session", sess.ID),
				slog.String("remote", remote))
			sess.Abort()
			_ = sess.Close()
			continue
		}

		go func() {
			if err := r.relay(ctx, sess); err != nil && !errors.Is(err, io.EOF) {
				r.logger.Debug("relay ended",
					slog.String("session", sess.ID),
					slog.String("remote", sess.RemoteAddress()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// relay drives a pending handshake to completion, dials the target, and
// copies inbound bytes to it until either side ends.
func (r *relayer) relay(ctx context.Context, sess *driver.Session) error {
	defer sess.Close()

	// Poll-driven stand-in for a socket readiness notifier: re-invoke the
	// handshake entry point until it reaches a terminal state.
	for sess.HandshakeState() == driver.HandshakeInProgress {
		err := sess.DriveHandshake()
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	out, err := r.newTargetSession(ctx)
	if err != nil {
		return err
	}
	defer out.Close()

	r.logger.Debug("session established",
		slog.String("session", sess.ID),
		slog.String("remote", sess.RemoteAddress()),
		slog.String("target", r.cfg.TargetHost+":"+r.cfg.TargetPort))

	buf := r.bufs.Get()
	defer r.bufs.Put(buf)
	for {
		select {
		case <-ctx.Done():
			sess.Abort()
			return ctx.Err()
		default:
		}

		n, err := sess.Receive(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			// TLS receive is a single non-blocking attempt; wait for the
			// next readiness tick.
			time.Sleep(5 * time.Millisecond)
			continue
		}

		sent := 0
		for sent < n {
			w, err := out.Send(buf[sent:n])
			if err != nil {
				return err
			}
			sent += w
		}
	}
}

// newTargetSession dials the upstream with the same driver mode as the
// listener. Dials flow through the circuit breaker so a dead target fails
// fast instead of stalling every inbound session.
func (r *relayer) newTargetSession(ctx context.Context) (*driver.Session, error) {
	if err := r.brk.Allow(); err != nil {
		return nil, err
	}

	s := r.drv.NewSession()

	mode, err := driver.ParseMode(r.cfg.Mode)
	if err != nil {
		return nil, err
	}
	if err := s.SetMode(mode); err != nil {
		return nil, err
	}
	if err := s.SetAuthMode(r.cfg.AuthMode); err != nil {
		return nil, err
	}
	if err := s.SetPermittedPeers(r.cfg.PermittedPeers); err != nil {
		return nil, err
	}

	err = s.Connect(ctx, ptcp.FamilyUnspec, r.cfg.TargetPort, r.cfg.TargetHost)
	r.brk.Observe(err)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// serveMetrics exposes Prometheus metrics and health probes.
func serveMetrics(ctx context.Context, address string, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint started", slog.String("address", address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
