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

package registry

import (
	"io"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
)

// Session is the broker-side state of one connected device. The write half
// of the control connection is guarded by its own mutex so replies, proxy
// requests, and task dispatches from different goroutines never interleave
// frames.
type Session struct {
	ClientID    models.ClientID
	ConnectedAt time.Time

	writer  io.Writer
	closer  io.Closer
	writeMu sync.Mutex

	mu         sync.Mutex
	capability models.DeviceCapability
	telemetry  models.Telemetry
	modelList  []models.Model
}

// NewSession wraps a control connection's write half. conn is typically a
// *net.TCPConn; anything that writes and closes works, which keeps tests
// off the network.
func NewSession(clientID models.ClientID, conn io.WriteCloser) *Session {
	return &Session{
		ClientID:    clientID,
		ConnectedAt: time.Now(),
		writer:      conn,
		closer:      conn,
	}
}

// Send writes a command to the device, waiting for the writer if another
// sender holds it.
func (s *Session) Send(cmd proto.Command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return proto.WriteCommand(s.writer, cmd)
}

// TrySend writes a command only if the writer is immediately available.
// A device already receiving a frame is reported as busy rather than
// queued behind it.
func (s *Session) TrySend(cmd proto.Command) error {
	if !s.writeMu.TryLock() {
		return ErrDeviceBusy
	}
	defer s.writeMu.Unlock()

	return proto.WriteCommand(s.writer, cmd)
}

// Close closes the underlying connection, unblocking the session's reader.
func (s *Session) Close() error {
	return s.closer.Close()
}

// SetCapability records the device inventory reported at login.
func (s *Session) SetCapability(capability models.DeviceCapability) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capability = capability
}

// Capability returns the device inventory reported at login.
func (s *Session) Capability() models.DeviceCapability {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.capability
}

// SetTelemetry replaces the latest telemetry snapshot.
func (s *Session) SetTelemetry(t models.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.telemetry = t
}

// Telemetry returns the latest telemetry snapshot.
func (s *Session) Telemetry() models.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.telemetry
}

// SetModels replaces the device's advertised model list.
func (s *Session) SetModels(list []models.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modelList = list
}

// Models returns a copy of the device's advertised model list.
func (s *Session) Models() []models.Model {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Model, len(s.modelList))
	copy(out, s.modelList)

	return out
}

// HasModel reports whether the device currently advertises the named model.
func (s *Session) HasModel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.modelList {
		if s.modelList[i].ID == name {
			return true
		}
	}

	return false
}

// Load is the scheduling score for least-loaded selection: CPU plus memory
// usage, lower is better.
func (s *Session) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int(s.telemetry.CPUUsage) + int(s.telemetry.MemoryUsage)
}
