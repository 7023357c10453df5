// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command coap-ping sends one CoAP GET to a peer and prints the
// response, wired through the full transport stack: circuit breaker,
// rate limiter, socket pool, metrics, and health checks.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/namiai/SwiftCoAP/pkg/breaker"
	"github.com/namiai/SwiftCoAP/pkg/config"
	"github.com/namiai/SwiftCoAP/pkg/health"
	"github.com/namiai/SwiftCoAP/pkg/message"
	"github.com/namiai/SwiftCoAP/pkg/transport"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using environment variables")
	}

	opts, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(opts.LogLevel, opts.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	params, err := buildParams(opts)
	if err != nil {
		logger.Error("bad transport configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	facade := transport.New(params, clock.New(), transport.Config{
		BreakerConfig: breaker.Config{},
		Namespace:     "coap_ping",
		Logger:        logger,
	})
	defer facade.Close()

	checker := health.NewChecker(10 * time.Second)
	health.RegisterTransportChecks(checker, facade, 0)

	g.Go(func() error { return startMetricsServer(ctx, opts.MetricsPort, logger) })
	g.Go(func() error { return startHealthServer(ctx, opts.HealthPort, checker, logger) })

	g.Go(func() error {
		return runPing(ctx, facade, opts, logger)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-quit:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-ctx.Done():
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("coap-ping terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type pingDelegate struct {
	logger *slog.Logger
	done   chan struct{}
}

func (d *pingDelegate) DidReceiveData(data []byte, endpoint transport.Endpoint) {
	msg, err := message.Decode(data, message.DecodeOptions{})
	if err != nil {
		d.logger.Error("received malformed datagram", slog.String("endpoint", endpoint.Key()), slog.String("error", err.Error()))
		close(d.done)
		return
	}
	d.logger.Info("received response",
		slog.String("endpoint", endpoint.Key()),
		slog.String("type", msg.Type.String()),
		slog.String("code", msg.Code.String()),
		slog.String("payload", string(msg.Payload)))
	close(d.done)
}

func (d *pingDelegate) DidFail(err error) {
	d.logger.Error("transport reported failure", slog.String("error", err.Error()))
	close(d.done)
}

func runPing(ctx context.Context, facade *transport.Facade, opts config.Options, logger *slog.Logger) error {
	ep := transport.NewEndpoint(opts.Host, opts.Port)
	ep.Network = opts.Network

	mid, err := facade.MessageID(ctx, ep)
	if err != nil {
		return fmt.Errorf("issue message id: %w", err)
	}

	req := &message.Message{
		Type:      message.Confirmable,
		Code:      message.CodeGET,
		MessageID: mid,
		Token:     1,
		Options:   message.Options{},
	}
	req.Options.Add(message.OptionURIPath, []byte("ping"))

	delegate := &pingDelegate{logger: logger, done: make(chan struct{})}

	logger.Info("sending GET", slog.String("endpoint", ep.Key()))
	if err := facade.Send(ctx, req, ep, delegate); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case <-delegate.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildParams(opts config.Options) (transport.Params, error) {
	if opts.PSKKey == "" {
		return transport.DefaultUDPParams(), nil
	}

	key, err := hex.DecodeString(opts.PSKKey)
	if err != nil {
		return nil, fmt.Errorf("COAP_PSK_KEY is not valid hex: %w", err)
	}

	suite, err := config.CipherSuiteID(opts.CipherSuite)
	if err != nil {
		return nil, err
	}
	if suite == 0 {
		return transport.DTLSPSKParams(key, opts.PSKIdentity), nil
	}
	return transport.DTLSPSKParams(key, opts.PSKIdentity, suite), nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func startMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serveUntilDone(ctx, port, mux, logger, "metrics")
}

func startHealthServer(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return serveUntilDone(ctx, port, mux, logger, "health")
}

func serveUntilDone(ctx context.Context, port int, mux *http.ServeMux, logger *slog.Logger, name string) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("starting %s server", name), slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
