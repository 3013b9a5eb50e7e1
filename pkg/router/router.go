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

// Package router accepts public caller connections, authenticates them,
// and hands each one to a device by way of the proxy tunnel: it asks the
// chosen device to dial back, parks the caller in the pairing table, and
// lets the tunnel splice the rest.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/registry"
	"github.com/gpufleet/gpufleet/pkg/tunnel"
)

const (
	defaultHeadTimeout = 10 * time.Second
	auditTimeout       = 5 * time.Second
)

var errHeadTooLarge = errors.New("request head exceeds buffer limit")

// Router is the public listener handler.
type Router struct {
	registry *registry.Registry
	pairings *tunnel.Pairings
	auth     TokenAuthenticator
	audit    AuditPublisher

	headTimeout time.Duration
	log         logger.Logger
}

// Config wires the router's collaborators. Audit may be nil when no event
// pipeline is configured.
type Config struct {
	Registry *registry.Registry
	Pairings *tunnel.Pairings
	Auth     TokenAuthenticator
	Audit    AuditPublisher

	// HeadTimeout bounds each read while collecting the request head.
	// Zero selects the default.
	HeadTimeout time.Duration
}

// New builds a router.
func New(cfg Config, log logger.Logger) *Router {
	timeout := cfg.HeadTimeout
	if timeout <= 0 {
		timeout = defaultHeadTimeout
	}

	return &Router{
		registry:    cfg.Registry,
		pairings:    cfg.Pairings,
		auth:        cfg.Auth,
		audit:       cfg.Audit,
		headTimeout: timeout,
		log:         log.WithComponent("router"),
	}
}

// Serve accepts caller connections until the listener closes or ctx is
// canceled.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		go r.handle(ctx, conn)
	}
}

// handle routes one caller connection. On success the connection belongs
// to the pairing table and must not be closed here.
func (r *Router) handle(ctx context.Context, conn net.Conn) {
	info, buffered, err := readRequestInfo(conn, r.headTimeout)
	if err != nil {
		r.log.Debug().
			Err(err).
			Str("remote_addr", conn.RemoteAddr().String()).
			Msg("request head unreadable")
		writeHTTPError(conn, http.StatusBadRequest, "invalid_request_error", "malformed request")
		_ = conn.Close()

		return
	}

	// The head was consumed off the socket; clear the parse deadline so
	// the tunnel is not bound by it.
	_ = conn.SetReadDeadline(time.Time{})

	if info.token == "" {
		writeHTTPError(conn, http.StatusUnauthorized, "authentication_error", "missing bearer token")
		_ = conn.Close()

		return
	}

	clientIDs, scope, found, err := r.auth.LookupToken(ctx, info.token)
	if err != nil {
		r.log.Error().Err(err).Msg("token lookup failed")
		writeHTTPError(conn, http.StatusInternalServerError, "api_error", "authorization unavailable")
		_ = conn.Close()

		return
	}

	if !found {
		writeHTTPError(conn, http.StatusUnauthorized, "authentication_error", "invalid token")
		_ = conn.Close()

		return
	}

	allowed := clientIDs
	if scope == models.ScopeAllDevices {
		allowed = nil
	}

	sess, err := r.selectDevice(info.model, allowed)
	if err != nil {
		writeHTTPError(conn, http.StatusBadRequest, "invalid_request_error", "no available device")
		_ = conn.Close()

		return
	}

	pairingID := models.NewProxyConnID()
	r.pairings.Add(pairingID, conn, buffered)

	if err := sess.Send(&proto.RequestNewProxyConn{ProxyConnID: pairingID}); err != nil {
		r.pairings.Take(pairingID)

		// The control connection is wedged; drop the device so its own
		// teardown path runs instead of more requests landing on it.
		if removed := r.registry.Remove(sess.ClientID, sess); removed != nil {
			_ = removed.Close()
		}

		r.log.Warn().
			Err(err).
			Str("client_id", sess.ClientID.String()).
			Msg("proxy request failed, dropping device")
		writeHTTPError(conn, http.StatusInternalServerError, "api_error", "device unreachable")
		_ = conn.Close()

		return
	}

	r.log.Debug().
		Str("proxy_conn_id", pairingID.String()).
		Str("client_id", sess.ClientID.String()).
		Str("model", info.model).
		Msg("caller routed")

	if scope != models.ScopeAllDevices {
		r.publishAudit(info, sess.ClientID)
	}
}

// selectDevice prefers a device advertising the requested model; a request
// with no model goes to the least-loaded device in scope.
func (r *Router) selectDevice(model string, allowed []models.ClientID) (*registry.Session, error) {
	if model != "" {
		return r.registry.SelectForModel(model, allowed)
	}

	return r.registry.SelectLeastLoaded(allowed)
}

func (r *Router) publishAudit(info requestInfo, servedBy models.ClientID) {
	if r.audit == nil {
		return
	}

	requestID := info.requestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	audit := &models.RequestAudit{
		RequestID: requestID,
		ClientID:  servedBy.String(),
		Model:     info.model,
		Timestamp: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if err := r.audit.PublishRequestAudit(ctx, audit); err != nil {
			r.log.Warn().
				Err(err).
				Str("request_id", audit.RequestID).
				Msg("audit publish failed")
		}
	}()
}

// writeHTTPError replies with a minimal OpenAI-style JSON error and leaves
// the connection to the caller to close.
func writeHTTPError(conn net.Conn, status int, errType, message string) {
	body, err := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
	if err != nil {
		return
	}

	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}
