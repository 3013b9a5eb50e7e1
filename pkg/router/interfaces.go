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

package router

import (
	"context"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// TokenAuthenticator resolves an API token to the devices it may reach.
// found is false for unknown or revoked tokens; scope
// models.ScopeAllDevices grants the whole fleet, any other scope restricts
// the caller to the returned client IDs.
type TokenAuthenticator interface {
	LookupToken(ctx context.Context, token string) (clientIDs []models.ClientID, scope int32, found bool, err error)
}

// AuditPublisher records which device served which request. Publishing is
// best effort.
type AuditPublisher interface {
	PublishRequestAudit(ctx context.Context, audit *models.RequestAudit) error
}
