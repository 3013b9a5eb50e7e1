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

package gateway

import (
	"context"

	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/scheduler"
)

// Dispatcher executes one inference task against the fleet and reports
// which device served it.
type Dispatcher interface {
	Execute(ctx context.Context, params scheduler.Params, allowed []models.ClientID) (*proto.InferenceResult, models.ClientID, error)
}
