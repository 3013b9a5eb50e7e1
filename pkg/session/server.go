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

// Package session runs the control-plane listener: it authenticates device
// logins, keeps per-device state fresh from heartbeats and model reports,
// and routes inference results and peer-to-peer signaling.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/registry"
)

const (
	defaultLoginTimeout = 30 * time.Second
	keepAlivePeriod     = 30 * time.Second
	publishTimeout      = 5 * time.Second
)

// Server accepts and drives device control connections.
type Server struct {
	registry   *registry.Registry
	auth       Authorizer
	catalog    ModelCatalog
	status     StatusStore
	heartbeats HeartbeatPublisher
	results    ResultSink

	loginTimeout time.Duration
	log          logger.Logger
}

// Config wires the server's collaborators.
type Config struct {
	Registry   *registry.Registry
	Authorizer Authorizer
	Catalog    ModelCatalog
	Status     StatusStore
	Heartbeats HeartbeatPublisher
	Results    ResultSink

	// LoginTimeout bounds how long a fresh connection may sit before its
	// login arrives. Zero selects the default.
	LoginTimeout time.Duration
}

// NewServer builds a control-plane server. Heartbeats may be nil when no
// ingestion pipeline is configured.
func NewServer(cfg Config, log logger.Logger) *Server {
	timeout := cfg.LoginTimeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}

	return &Server{
		registry:     cfg.Registry,
		auth:         cfg.Authorizer,
		catalog:      cfg.Catalog,
		status:       cfg.Status,
		heartbeats:   cfg.Heartbeats,
		results:      cfg.Results,
		loginTimeout: timeout,
		log:          log.WithComponent("session"),
	}
}

// Serve accepts control connections until the listener closes or ctx is
// canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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

		go s.handleConn(ctx, conn)
	}
}

// handleConn owns one control connection from accept to teardown.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
	}

	sess, login, err := s.completeLogin(ctx, conn)
	if err != nil {
		s.log.Debug().
			Err(err).
			Str("remote_addr", conn.RemoteAddr().String()).
			Msg("login failed")
		_ = conn.Close()

		return
	}

	clientID := sess.ClientID

	s.log.Info().
		Str("client_id", clientID.String()).
		Uint32("version", login.Version).
		Str("os", login.OSType.String()).
		Int("pods", len(login.Pods)).
		Msg("device connected")

	s.upsertStatus(ctx, clientID, sess.Capability())

	s.readLoop(ctx, conn, sess)

	// The registry entry may already be gone if the router evicted a wedged
	// device; the store still has to learn the device died. A duplicate
	// login can never replace a live session, so the offline mark cannot
	// clobber a successor's status.
	s.registry.Remove(clientID, sess)
	s.markOffline(ctx, clientID)

	_ = sess.Close()

	s.log.Info().
		Str("client_id", clientID.String()).
		Msg("device disconnected")
}

// completeLogin enforces the login-first handshake under a deadline. The
// reply is written on the raw connection; the session only exists once the
// device is registered.
func (s *Server) completeLogin(ctx context.Context, conn net.Conn) (*registry.Session, *proto.Login, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.loginTimeout)); err != nil {
		return nil, nil, err
	}

	cmd, err := proto.ReadCommand(conn)
	if err != nil {
		return nil, nil, err
	}

	login, ok := cmd.(*proto.Login)
	if !ok {
		return nil, nil, errLoginExpected
	}

	// Reject duplicates before the authorizer round-trip so a reconnect
	// storm for a live client never reaches the database.
	if _, ok := s.registry.Get(login.ClientID); ok {
		_ = proto.WriteCommand(conn, &proto.LoginResult{Success: false, Error: "already connected"})
		return nil, nil, registry.ErrAlreadyRegistered
	}

	valid, err := s.auth.ValidateClient(ctx, login.ClientID, login.OSType)
	if err != nil {
		_ = proto.WriteCommand(conn, &proto.LoginResult{Success: false, Error: "authorization unavailable"})
		return nil, nil, err
	}

	if !valid {
		_ = proto.WriteCommand(conn, &proto.LoginResult{Success: false, Error: "unauthorized"})
		return nil, nil, errUnauthorized
	}

	sess := registry.NewSession(login.ClientID, conn)
	sess.SetCapability(models.DeviceCapability{
		DeviceCount: uint32(len(login.Pods)),
		MemTotalGB:  login.MemTotalGB,
		TFLOPs:      login.TFLOPs,
		OSType:      login.OSType,
		Pods:        login.Pods,
	})
	sess.SetTelemetry(login.Telemetry)

	if err := s.registry.Register(sess); err != nil {
		_ = proto.WriteCommand(conn, &proto.LoginResult{Success: false, Error: "already connected"})
		return nil, nil, err
	}

	result := &proto.LoginResult{Success: true}
	if login.AutoModels {
		result.PodModels = s.recommendPods(ctx, login.Pods)
	}

	if err := sess.Send(result); err != nil {
		s.registry.Remove(login.ClientID, sess)
		return nil, nil, err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.registry.Remove(login.ClientID, sess)
		return nil, nil, err
	}

	return sess, login, nil
}

// readLoop dispatches commands until the connection errors out. Any read
// failure, clean EOF included, ends the session.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, sess *registry.Session) {
	for {
		cmd, err := proto.ReadCommand(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().
					Err(err).
					Str("client_id", sess.ClientID.String()).
					Msg("control read failed")
			}

			return
		}

		switch c := cmd.(type) {
		case *proto.Heartbeat:
			s.handleHeartbeat(sess, c)
		case *proto.ModelStatus:
			s.handleModelStatus(ctx, sess, c)
		case *proto.InferenceResult:
			s.results.HandleResult(c)
		case *proto.P2PConnectionRequest, *proto.P2PConnectionInfo,
			*proto.P2PConnectionEstablished, *proto.P2PConnectionFailed:
			s.relayP2P(sess, cmd)
		default:
			s.log.Warn().
				Str("client_id", sess.ClientID.String()).
				Uint16("kind", uint16(cmd.CommandKind())).
				Msg("unexpected command on control channel")
		}
	}
}

func (s *Server) handleHeartbeat(sess *registry.Session, hb *proto.Heartbeat) {
	sess.SetTelemetry(hb.Telemetry)

	capability := sess.Capability()
	capability.DeviceCount = uint32(hb.DeviceCount)
	capability.MemTotalGB = hb.MemTotalGB
	capability.TFLOPs = hb.TFLOPs

	if len(hb.Pods) > 0 {
		capability.Pods = hb.Pods
	}

	sess.SetCapability(capability)

	if s.heartbeats == nil {
		return
	}

	ev := &models.HeartbeatEvent{
		ClientID:    sess.ClientID.String(),
		Telemetry:   hb.Telemetry,
		DeviceCount: uint32(hb.DeviceCount),
		MemTotalGB:  hb.MemTotalGB,
		TFLOPs:      hb.TFLOPs,
		Pods:        hb.Pods,
		Timestamp:   time.Now().UTC(),
	}

	// Fire and forget: a slow broker must not stall the read loop.
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := s.heartbeats.PublishHeartbeat(pubCtx, ev); err != nil {
			s.log.Warn().
				Err(err).
				Str("client_id", ev.ClientID).
				Msg("heartbeat publish failed")
		}
	}()
}

func (s *Server) handleModelStatus(ctx context.Context, sess *registry.Session, ms *proto.ModelStatus) {
	sess.SetModels(ms.Models)

	if len(ms.AutoPods) == 0 {
		return
	}

	reply := &proto.PullModelResult{PodModels: s.recommendPods(ctx, ms.AutoPods)}
	if err := sess.Send(reply); err != nil {
		s.log.Warn().
			Err(err).
			Str("client_id", sess.ClientID.String()).
			Msg("pull model reply failed")
	}
}

// recommendPods maps each pod to its recommended model. Pods with no
// compatible model get an empty assignment rather than being dropped, so
// the device sees an answer for every pod it asked about.
func (s *Server) recommendPods(ctx context.Context, pods []models.PodInfo) []models.PodModel {
	out := make([]models.PodModel, 0, len(pods))

	for _, pod := range pods {
		name, err := s.catalog.RecommendModel(ctx, uint32(pod.MemTotalGB), pod.EngineType)
		if err != nil {
			s.log.Warn().
				Err(err).
				Uint16("pod_id", pod.PodID).
				Msg("model recommendation failed")

			name = ""
		}

		out = append(out, models.PodModel{PodID: pod.PodID, ModelName: name})
	}

	return out
}

// relayP2P forwards peer-to-peer signaling to the counterparty, rewriting
// the identity field so the recipient learns who is calling.
func (s *Server) relayP2P(sender *registry.Session, cmd proto.Command) {
	var target models.ClientID

	switch c := cmd.(type) {
	case *proto.P2PConnectionRequest:
		target = c.TargetClientID
		c.SourceClientID = sender.ClientID
	case *proto.P2PConnectionInfo:
		target = c.PeerID
		c.PeerID = sender.ClientID
	case *proto.P2PConnectionEstablished:
		target = c.PeerID
		c.PeerID = sender.ClientID
	case *proto.P2PConnectionFailed:
		target = c.PeerID
		c.PeerID = sender.ClientID
	default:
		return
	}

	peer, ok := s.registry.Get(target)
	if !ok {
		s.log.Debug().
			Str("client_id", sender.ClientID.String()).
			Str("peer_id", target.String()).
			Msg("p2p peer not connected")

		if req, isReq := cmd.(*proto.P2PConnectionRequest); isReq {
			fail := &proto.P2PConnectionFailed{
				PeerID:       target,
				ConnectionID: req.ConnectionID,
				Error:        "peer not connected",
			}
			if err := sender.Send(fail); err != nil {
				s.log.Debug().Err(err).Msg("p2p failure notice dropped")
			}
		}

		return
	}

	if err := peer.Send(cmd); err != nil {
		s.log.Warn().
			Err(err).
			Str("peer_id", target.String()).
			Msg("p2p relay failed")
	}
}

func (s *Server) upsertStatus(ctx context.Context, id models.ClientID, capability models.DeviceCapability) {
	if s.status == nil {
		return
	}

	upsertCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := s.status.UpsertClientStatus(upsertCtx, id, true, capability); err != nil {
		s.log.Warn().
			Err(err).
			Str("client_id", id.String()).
			Msg("status upsert failed")
	}
}

func (s *Server) markOffline(ctx context.Context, id models.ClientID) {
	if s.status == nil {
		return
	}

	// Teardown may race broker shutdown; use a fresh context so the
	// offline mark still lands.
	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.status.MarkOffline(offCtx, id); err != nil {
		s.log.Warn().
			Err(err).
			Str("client_id", id.String()).
			Msg("offline mark failed")
	}
}
