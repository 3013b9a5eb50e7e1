/*
 * Copyright 2026 GPUFleet Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// The broker is the fleet control plane: it terminates device control
// connections, pairs proxy tunnels, routes public inference traffic, and
// serves the OpenAI-compatible HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gpufleet/gpufleet/pkg/config"
	"github.com/gpufleet/gpufleet/pkg/db"
	"github.com/gpufleet/gpufleet/pkg/gateway"
	"github.com/gpufleet/gpufleet/pkg/lifecycle"
	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/natsutil"
	"github.com/gpufleet/gpufleet/pkg/registry"
	"github.com/gpufleet/gpufleet/pkg/router"
	"github.com/gpufleet/gpufleet/pkg/scheduler"
	"github.com/gpufleet/gpufleet/pkg/session"
	"github.com/gpufleet/gpufleet/pkg/tunnel"
)

func main() {
	configPath := flag.String("config", "/etc/gpufleet/broker.json", "path to broker config file")
	flag.Parse()

	ctx := context.Background()

	var cfg models.BrokerConfig
	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := lifecycle.CreateLogger(cfg.Logging, "broker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	svc := &brokerService{cfg: &cfg, log: log}

	if err := lifecycle.Run(ctx, svc, log); err != nil {
		log.Fatal().Err(err).Msg("broker exited")
	}
}

type brokerService struct {
	cfg *models.BrokerConfig
	log logger.Logger

	store   db.Service
	nc      *nats.Conn
	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (b *brokerService) Start(ctx context.Context) error {
	pool, err := db.NewPool(ctx, b.cfg.Database, b.log)
	if err != nil {
		return err
	}

	b.store = db.NewStore(pool, b.log)

	var publisher *natsutil.EventPublisher

	if b.cfg.NATS != nil {
		nc, err := natsutil.Connect(b.cfg.NATS)
		if err != nil {
			return err
		}

		b.nc = nc

		publisher, err = natsutil.NewEventPublisher(ctx, nc, b.cfg.NATS, b.log)
		if err != nil {
			return err
		}
	}

	reg := registry.NewRegistry()
	pairings := tunnel.NewPairings(b.cfg.PairingTTL.Duration(), b.log)
	sched := scheduler.New(reg, b.cfg.TaskTimeout.Duration(), b.log)

	sessionCfg := session.Config{
		Registry:     reg,
		Authorizer:   b.store,
		Catalog:      b.store,
		Status:       b.store,
		Results:      sched,
		LoginTimeout: b.cfg.LoginTimeout.Duration(),
	}
	if publisher != nil {
		sessionCfg.Heartbeats = publisher
	}

	sessionSrv := session.NewServer(sessionCfg, b.log)
	tunnelSrv := tunnel.NewServer(pairings, b.log)

	routerCfg := router.Config{
		Registry: reg,
		Pairings: pairings,
		Auth:     b.store,
	}
	if publisher != nil {
		routerCfg.Audit = publisher
	}

	publicRouter := router.New(routerCfg, b.log)

	var apiAudit router.AuditPublisher
	if publisher != nil {
		apiAudit = publisher
	}

	api := gateway.NewServer(gateway.Config{
		Registry:     reg,
		Dispatcher:   sched,
		Auth:         b.store,
		Audit:        apiAudit,
		DefaultModel: b.cfg.DefaultModelID,
	}, b.log)

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	controlLn, err := net.Listen("tcp", b.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", b.cfg.ControlAddr, err)
	}

	proxyLn, err := b.listenProxy()
	if err != nil {
		return err
	}

	publicLn, err := net.Listen("tcp", b.cfg.PublicAddr)
	if err != nil {
		return fmt.Errorf("listen public %s: %w", b.cfg.PublicAddr, err)
	}

	b.httpSrv = &http.Server{
		Addr:              b.cfg.APIAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.serve("control", func() error { return sessionSrv.Serve(serveCtx, controlLn) })
	b.serve("proxy", func() error { return tunnelSrv.Serve(serveCtx, proxyLn) })
	b.serve("public", func() error { return publicRouter.Serve(serveCtx, publicLn) })

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		pairings.Run(serveCtx)
	}()

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		if err := b.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error().Err(err).Msg("api server failed")
		}
	}()

	b.log.Info().
		Str("control_addr", b.cfg.ControlAddr).
		Str("proxy_addr", b.cfg.ProxyAddr).
		Str("public_addr", b.cfg.PublicAddr).
		Str("api_addr", b.cfg.APIAddr).
		Msg("broker started")

	return nil
}

func (b *brokerService) serve(name string, fn func() error) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error().Err(err).Str("listener", name).Msg("listener failed")
		}
	}()
}

// listenProxy opens the device-facing proxy listener, TLS-wrapped when
// certificates are configured.
func (b *brokerService) listenProxy() (net.Listener, error) {
	ln, err := net.Listen("tcp", b.cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("listen proxy %s: %w", b.cfg.ProxyAddr, err)
	}

	if b.cfg.ProxyTLS == nil {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(b.cfg.ProxyTLS.CertFile, b.cfg.ProxyTLS.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load proxy keypair: %w", err)
	}

	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func (b *brokerService) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	if b.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := b.httpSrv.Shutdown(shutdownCtx); err != nil {
			b.log.Warn().Err(err).Msg("api shutdown failed")
		}
	}

	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.log.Warn().Err(err).Msg("nats drain failed")
		}
	}

	b.wg.Wait()

	if b.store != nil {
		b.store.Close()
	}

	return nil
}
