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

// Package scheduler dispatches inference tasks to the least-loaded device
// and correlates the asynchronous results coming back off the control
// connections.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/registry"
)

const defaultTaskTimeout = 60 * time.Second

// ErrTaskTimeout reports that a dispatched task produced no result within
// the deadline.
var ErrTaskTimeout = errors.New("task timed out")

// Params are the model choice and sampling parameters of one inference
// request. An empty Model places the task on any device.
type Params struct {
	Model         string
	Prompt        string
	MaxTokens     uint32
	Temperature   float32
	TopK          uint32
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int32
	MinKeep       uint32
}

// Scheduler owns the pending-task table. Each task gets a single-use
// buffered slot; delivery and expiry race for it under the table lock, so
// a result is consumed at most once.
type Scheduler struct {
	registry *registry.Registry
	timeout  time.Duration
	log      logger.Logger

	mu      sync.Mutex
	pending map[string]chan *proto.InferenceResult
}

// New builds a scheduler over the device registry. timeout zero selects
// the default.
func New(reg *registry.Registry, timeout time.Duration, log logger.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	return &Scheduler{
		registry: reg,
		timeout:  timeout,
		log:      log.WithComponent("scheduler"),
		pending:  make(map[string]chan *proto.InferenceResult),
	}
}

// Execute dispatches one task to the least-loaded device advertising the
// requested model within the allowed scope and waits for its result. A nil
// allowed list means the whole fleet is in scope. The device that served
// the task is returned for attribution.
func (s *Scheduler) Execute(ctx context.Context, params Params, allowed []models.ClientID) (*proto.InferenceResult, models.ClientID, error) {
	var servedBy models.ClientID

	sess, err := s.selectDevice(params.Model, allowed)
	if err != nil {
		return nil, servedBy, err
	}

	servedBy = sess.ClientID

	task := &proto.InferenceTask{
		TaskID:        uuid.NewString(),
		Prompt:        params.Prompt,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopK:          params.TopK,
		TopP:          params.TopP,
		RepeatPenalty: params.RepeatPenalty,
		RepeatLastN:   params.RepeatLastN,
		MinKeep:       params.MinKeep,
	}

	slot := make(chan *proto.InferenceResult, 1)

	s.mu.Lock()
	s.pending[task.TaskID] = slot
	s.mu.Unlock()

	if err := sess.TrySend(task); err != nil {
		s.removeSlot(task.TaskID)
		return nil, servedBy, err
	}

	s.log.Debug().
		Str("task_id", task.TaskID).
		Str("client_id", servedBy.String()).
		Msg("task dispatched")

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-slot:
		return res, servedBy, nil
	case <-timer.C:
		s.removeSlot(task.TaskID)

		// The device may have delivered between the timer firing and the
		// slot removal; prefer the result over the timeout.
		select {
		case res := <-slot:
			return res, servedBy, nil
		default:
			return nil, servedBy, ErrTaskTimeout
		}
	case <-ctx.Done():
		s.removeSlot(task.TaskID)

		select {
		case res := <-slot:
			return res, servedBy, nil
		default:
			return nil, servedBy, ctx.Err()
		}
	}
}

// selectDevice restricts selection to devices advertising the requested
// model; tasks without a model go to the least-loaded device in scope.
func (s *Scheduler) selectDevice(model string, allowed []models.ClientID) (*registry.Session, error) {
	if model != "" {
		return s.registry.SelectForModel(model, allowed)
	}

	return s.registry.SelectLeastLoaded(allowed)
}

// HandleResult delivers a device's result to the waiting caller. Results
// for unknown tasks, typically late arrivals past the timeout, are
// dropped.
func (s *Scheduler) HandleResult(res *proto.InferenceResult) {
	s.mu.Lock()
	slot, ok := s.pending[res.TaskID]
	if ok {
		delete(s.pending, res.TaskID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug().
			Str("task_id", res.TaskID).
			Msg("dropping result for unknown task")

		return
	}

	slot <- res
}

func (s *Scheduler) removeSlot(taskID string) {
	s.mu.Lock()
	delete(s.pending, taskID)
	s.mu.Unlock()
}
