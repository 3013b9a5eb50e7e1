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

// Package consumers holds the JetStream consumers that move fleet events
// into persistent storage.
package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/natsutil"
)

const (
	defaultConsumerName = "gpufleet-heartbeat-writer"
	insertTimeout       = 10 * time.Second
)

// TelemetryStore is the persistence surface the writer needs.
type TelemetryStore interface {
	InsertTelemetry(ctx context.Context, ev *models.HeartbeatEvent) error
}

// HeartbeatWriter drains heartbeat events off JetStream into the
// telemetry table.
type HeartbeatWriter struct {
	cfg   *models.ConsumerConfig
	store TelemetryStore
	log   logger.Logger

	nc      *nats.Conn
	consume jetstream.ConsumeContext
}

// NewHeartbeatWriter builds the consumer service.
func NewHeartbeatWriter(cfg *models.ConsumerConfig, store TelemetryStore, log logger.Logger) *HeartbeatWriter {
	return &HeartbeatWriter{
		cfg:   cfg,
		store: store,
		log:   log.WithComponent("heartbeat-writer"),
	}
}

// Start connects to JetStream and begins consuming.
func (w *HeartbeatWriter) Start(ctx context.Context) error {
	nc, err := natsutil.Connect(w.cfg.NATS)
	if err != nil {
		return err
	}

	w.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}

	streamName := natsutil.DefaultStream
	if w.cfg.NATS.Stream != "" {
		streamName = w.cfg.NATS.Stream
	}

	prefix := natsutil.DefaultSubjectPrefix
	if w.cfg.NATS.Subject != "" {
		prefix = w.cfg.NATS.Subject
	}

	if _, err = js.Stream(ctx, streamName); err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
				Name:     streamName,
				Subjects: []string{prefix + ".>"},
			})
		}

		if err != nil {
			nc.Close()
			return fmt.Errorf("ensure stream %s: %w", streamName, err)
		}
	}

	consumerName := w.cfg.Consumer
	if consumerName == "" {
		consumerName = defaultConsumerName
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: prefix + ".heartbeat.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure consumer %s: %w", consumerName, err)
	}

	w.consume, err = cons.Consume(w.handleMessage)
	if err != nil {
		nc.Close()
		return fmt.Errorf("start consuming: %w", err)
	}

	w.log.Info().
		Str("stream", streamName).
		Str("consumer", consumerName).
		Msg("heartbeat writer started")

	return nil
}

func (w *HeartbeatWriter) handleMessage(msg jetstream.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := w.processEvent(ctx, msg.Data()); err != nil {
		w.log.Warn().Err(err).Msg("heartbeat persist failed, redelivering")
		_ = msg.Nak()

		return
	}

	_ = msg.Ack()
}

// processEvent decodes and persists one heartbeat payload.
func (w *HeartbeatWriter) processEvent(ctx context.Context, data []byte) error {
	var ev models.HeartbeatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode heartbeat event: %w", err)
	}

	if err := w.store.InsertTelemetry(ctx, &ev); err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}

	return nil
}

// Stop halts consumption and drains the connection.
func (w *HeartbeatWriter) Stop(_ context.Context) error {
	if w.consume != nil {
		w.consume.Stop()
	}

	if w.nc != nil {
		return w.nc.Drain()
	}

	return nil
}
