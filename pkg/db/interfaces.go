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

package db

import (
	"context"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// Service is the persistence surface the control plane consumes. It covers
// the collaborator interfaces of the session, router, and consumer
// packages, so one store satisfies all of them.
type Service interface {
	// LookupToken resolves an API token to its device scope.
	LookupToken(ctx context.Context, token string) ([]models.ClientID, int32, bool, error)

	// ValidateClient reports whether a device may join, refreshing its
	// recorded OS while at it.
	ValidateClient(ctx context.Context, id models.ClientID, osType models.OSType) (bool, error)

	// RecommendModel picks the largest catalog model fitting the pod.
	RecommendModel(ctx context.Context, memGB uint32, engine models.EngineType) (string, error)

	// UpsertClientStatus records a device's connectivity and capability.
	UpsertClientStatus(ctx context.Context, id models.ClientID, online bool, capability models.DeviceCapability) error

	// MarkOffline flips a device's status without touching capability.
	MarkOffline(ctx context.Context, id models.ClientID) error

	// InsertTelemetry appends one heartbeat sample.
	InsertTelemetry(ctx context.Context, ev *models.HeartbeatEvent) error

	Close()
}
