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

package session

import (
	"context"

	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
)

// Authorizer decides whether a device may join the fleet.
type Authorizer interface {
	ValidateClient(ctx context.Context, id models.ClientID, osType models.OSType) (bool, error)
}

// ModelCatalog recommends a model for a pod's compute profile. An empty
// name with a nil error means no compatible model exists.
type ModelCatalog interface {
	RecommendModel(ctx context.Context, memGB uint32, engine models.EngineType) (string, error)
}

// StatusStore persists device connectivity transitions.
type StatusStore interface {
	UpsertClientStatus(ctx context.Context, id models.ClientID, online bool, cap models.DeviceCapability) error
	MarkOffline(ctx context.Context, id models.ClientID) error
}

// HeartbeatPublisher forwards heartbeat snapshots to the durable ingestion
// pipeline. Publishing is best effort and never blocks the control loop.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, ev *models.HeartbeatEvent) error
}

// ResultSink receives inference results read off control connections.
type ResultSink interface {
	HandleResult(res *proto.InferenceResult)
}
