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

// Package natsutil carries the control plane's JetStream plumbing: the
// event stream where heartbeats and request audits land for downstream
// consumers.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultStream is the JetStream stream holding fleet events.
	DefaultStream = "GPUFLEET_EVENTS"
	// DefaultSubjectPrefix roots every event subject.
	DefaultSubjectPrefix = "gpufleet.events"
)

// Connect dials NATS with the fleet's standard options.
func Connect(cfg *models.NATS) (*nats.Conn, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return nc, nil
}

// EventPublisher writes fleet events to JetStream. It serves both the
// session's heartbeat pipeline and the router's request auditing.
type EventPublisher struct {
	js     jetstream.JetStream
	prefix string
	log    logger.Logger
}

// NewEventPublisher binds to the event stream, creating it if absent.
func NewEventPublisher(ctx context.Context, nc *nats.Conn, cfg *models.NATS, log logger.Logger) (*EventPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	streamName := DefaultStream
	if cfg != nil && cfg.Stream != "" {
		streamName = cfg.Stream
	}

	prefix := DefaultSubjectPrefix
	if cfg != nil && cfg.Subject != "" {
		prefix = cfg.Subject
	}

	_, err = js.Stream(ctx, streamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{prefix + ".>"},
		})
	}

	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &EventPublisher{
		js:     js,
		prefix: prefix,
		log:    log.WithComponent("natsutil"),
	}, nil
}

// PublishHeartbeat writes one heartbeat event, subject-partitioned by
// client so consumers can filter per device.
func (p *EventPublisher) PublishHeartbeat(ctx context.Context, ev *models.HeartbeatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	subject := fmt.Sprintf("%s.heartbeat.%s", p.prefix, ev.ClientID)

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}

	return nil
}

// PublishRequestAudit writes one request-attribution record.
func (p *EventPublisher) PublishRequestAudit(ctx context.Context, audit *models.RequestAudit) error {
	data, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	subject := p.prefix + ".audit"

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish audit: %w", err)
	}

	return nil
}

// HeartbeatSubject returns the wildcard subject matching all heartbeats.
func (p *EventPublisher) HeartbeatSubject() string {
	return p.prefix + ".heartbeat.>"
}
