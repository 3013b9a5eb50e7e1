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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
)

var _ Service = (*Store)(nil)

// Store implements Service on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// NewStore wraps an established pool.
func NewStore(pool *pgxpool.Pool, log logger.Logger) *Store {
	return &Store{
		pool: pool,
		log:  log.WithComponent("db"),
	}
}

const lookupTokenQuery = `
SELECT client_ids, access_level
FROM api_tokens
WHERE token = $1 AND NOT revoked`

// LookupToken resolves an API token. Unknown and revoked tokens report
// found=false with a nil error.
func (s *Store) LookupToken(ctx context.Context, token string) ([]models.ClientID, int32, bool, error) {
	var (
		rawIDs []string
		scope  int32
	)

	err := s.pool.QueryRow(ctx, lookupTokenQuery, token).Scan(&rawIDs, &scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}

	if err != nil {
		return nil, 0, false, fmt.Errorf("lookup token: %w", err)
	}

	ids := make([]models.ClientID, 0, len(rawIDs))

	for _, raw := range rawIDs {
		id, err := models.ParseClientID(raw)
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("client_id", raw).
				Msg("skipping malformed client id on token")

			continue
		}

		ids = append(ids, id)
	}

	return ids, scope, true, nil
}

const validateClientQuery = `
UPDATE gpu_assets
SET os_type = $2, last_seen = now()
WHERE client_id = $1`

// ValidateClient admits a device only if it is provisioned in gpu_assets,
// refreshing its OS and last-seen columns as a side effect.
func (s *Store) ValidateClient(ctx context.Context, id models.ClientID, osType models.OSType) (bool, error) {
	tag, err := s.pool.Exec(ctx, validateClientQuery, id.String(), int16(osType))
	if err != nil {
		return false, fmt.Errorf("validate client: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

const recommendModelQuery = `
SELECT model_name
FROM hot_models
WHERE min_mem_gb <= $1 AND engine_type = $2
ORDER BY min_mem_gb DESC
LIMIT 1`

// RecommendModel returns the largest hot model that fits the pod's memory
// for its engine, or empty when nothing fits.
func (s *Store) RecommendModel(ctx context.Context, memGB uint32, engine models.EngineType) (string, error) {
	var name string

	err := s.pool.QueryRow(ctx, recommendModelQuery, int64(memGB), int16(engine)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("recommend model: %w", err)
	}

	return name, nil
}

const upsertClientStatusQuery = `
INSERT INTO device_status (client_id, online, device_count, memtotal_gb, tflops, os_type, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (client_id) DO UPDATE SET
    online = EXCLUDED.online,
    device_count = EXCLUDED.device_count,
    memtotal_gb = EXCLUDED.memtotal_gb,
    tflops = EXCLUDED.tflops,
    os_type = EXCLUDED.os_type,
    updated_at = now()`

func (s *Store) UpsertClientStatus(ctx context.Context, id models.ClientID, online bool, capability models.DeviceCapability) error {
	_, err := s.pool.Exec(ctx, upsertClientStatusQuery,
		id.String(), online,
		int64(capability.DeviceCount), int64(capability.MemTotalGB), int64(capability.TFLOPs),
		int16(capability.OSType))
	if err != nil {
		return fmt.Errorf("upsert client status: %w", err)
	}

	return nil
}

const markOfflineQuery = `
UPDATE device_status
SET online = FALSE, updated_at = now()
WHERE client_id = $1`

func (s *Store) MarkOffline(ctx context.Context, id models.ClientID) error {
	if _, err := s.pool.Exec(ctx, markOfflineQuery, id.String()); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}

	return nil
}

const insertTelemetryQuery = `
INSERT INTO device_telemetry (client_id, cpu_usage, memory_usage, disk_usage, network_rx, network_tx,
    device_count, memtotal_gb, tflops, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (s *Store) InsertTelemetry(ctx context.Context, ev *models.HeartbeatEvent) error {
	_, err := s.pool.Exec(ctx, insertTelemetryQuery,
		ev.ClientID,
		int16(ev.Telemetry.CPUUsage), int16(ev.Telemetry.MemoryUsage), int16(ev.Telemetry.DiskUsage),
		int64(ev.Telemetry.NetworkRx), int64(ev.Telemetry.NetworkTx),
		int64(ev.DeviceCount), int64(ev.MemTotalGB), int64(ev.TFLOPs),
		ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}

	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
