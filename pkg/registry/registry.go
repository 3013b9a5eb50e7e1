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

// Package registry tracks the live device sessions of the broker and picks
// devices for incoming work.
package registry

import (
	"sync"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// Registry is the set of currently connected devices. A single mutex covers
// the whole map; membership changes and selections are short and the map
// stays small relative to request volume.
type Registry struct {
	mu       sync.Mutex
	sessions map[models.ClientID]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[models.ClientID]*Session),
	}
}

// Register adds a session. A client ID with a live session is rejected;
// the existing connection wins.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ClientID]; ok {
		return ErrAlreadyRegistered
	}

	r.sessions[s.ClientID] = s

	return nil
}

// Get returns the session for a client ID.
func (r *Registry) Get(id models.ClientID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]

	return s, ok
}

// Remove deletes a session if it is still the registered one. It returns
// the removed session, or nil if the ID was absent or owned by a different
// session.
func (r *Registry) Remove(id models.ClientID, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok || (s != nil && cur != s) {
		return nil
	}

	delete(r.sessions, id)

	return cur
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// ForEach calls fn for every session. fn must not call back into the
// registry.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		fn(s)
	}
}

// UpdateTelemetry replaces the telemetry snapshot of a registered device.
func (r *Registry) UpdateTelemetry(id models.ClientID, t models.Telemetry) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}

	s.SetTelemetry(t)

	return nil
}

// UpdateModels replaces the advertised model list of a registered device.
func (r *Registry) UpdateModels(id models.ClientID, list []models.Model) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}

	s.SetModels(list)

	return nil
}

// SelectForModel picks the least-loaded device that advertises the named
// model, restricted to the allowed IDs. A nil allowed list means every
// device is in scope.
func (r *Registry) SelectForModel(model string, allowed []models.ClientID) (*Session, error) {
	return r.selectLeastLoaded(allowed, func(s *Session) bool {
		return s.HasModel(model)
	})
}

// SelectLeastLoaded picks the device with the lowest combined CPU and
// memory usage, restricted to the allowed IDs. A nil allowed list means
// every device is in scope.
func (r *Registry) SelectLeastLoaded(allowed []models.ClientID) (*Session, error) {
	return r.selectLeastLoaded(allowed, nil)
}

func (r *Registry) selectLeastLoaded(allowed []models.ClientID, match func(*Session) bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best     *Session
		bestLoad int
	)

	for id, s := range r.sessions {
		if allowed != nil && !containsID(allowed, id) {
			continue
		}

		if match != nil && !match(s) {
			continue
		}

		load := s.Load()
		if best == nil || load < bestLoad {
			best = s
			bestLoad = load
		}
	}

	if best == nil {
		return nil, ErrNoAvailableDevice
	}

	return best, nil
}

func containsID(ids []models.ClientID, id models.ClientID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}

	return false
}
