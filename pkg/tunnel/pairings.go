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

// Package tunnel pairs public caller connections with device-initiated
// proxy connections and splices the two into one byte stream.
package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// defaultPairingTTL bounds how long a caller connection waits for its
	// device to dial back before being dropped as orphaned.
	defaultPairingTTL = 2 * time.Minute

	sweepInterval = 15 * time.Second
)

type pendingPair struct {
	caller   net.Conn
	buffered []byte
	expires  time.Time
}

// Pairings is the table of caller connections waiting for their device's
// proxy dial-back, keyed by the pairing ID minted at request time.
type Pairings struct {
	mu    sync.Mutex
	table map[models.ProxyConnID]pendingPair
	ttl   time.Duration
	log   logger.Logger
}

// NewPairings builds an empty pairing table. ttl zero selects the default.
func NewPairings(ttl time.Duration, log logger.Logger) *Pairings {
	if ttl <= 0 {
		ttl = defaultPairingTTL
	}

	return &Pairings{
		table: make(map[models.ProxyConnID]pendingPair),
		ttl:   ttl,
		log:   log.WithComponent("tunnel"),
	}
}

// Add parks a caller connection until the device dials back. buffered holds
// the request bytes already consumed from the caller; they are replayed to
// the device before live traffic.
func (p *Pairings) Add(id models.ProxyConnID, caller net.Conn, buffered []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.table[id] = pendingPair{
		caller:   caller,
		buffered: buffered,
		expires:  time.Now().Add(p.ttl),
	}
}

// Take removes and returns the pending pair for id. Each pairing can be
// taken exactly once.
func (p *Pairings) Take(id models.ProxyConnID) (net.Conn, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pair, ok := p.table[id]
	if !ok {
		return nil, nil, false
	}

	delete(p.table, id)

	return pair.caller, pair.buffered, true
}

// Len returns the number of callers still waiting for a device.
func (p *Pairings) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.table)
}

// Run sweeps expired pairings until ctx is canceled.
func (p *Pairings) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep drops every pairing past its deadline and closes the orphaned
// caller so the external client sees a failure instead of a hang.
func (p *Pairings) sweep(now time.Time) {
	p.mu.Lock()

	var expired []pendingPair

	for id, pair := range p.table {
		if now.After(pair.expires) {
			expired = append(expired, pair)
			delete(p.table, id)

			p.log.Debug().
				Str("proxy_conn_id", id.String()).
				Msg("pairing expired")
		}
	}

	p.mu.Unlock()

	for _, pair := range expired {
		_ = pair.caller.Close()
	}
}
