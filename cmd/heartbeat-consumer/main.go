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

// The heartbeat consumer drains fleet heartbeat events off JetStream into
// the telemetry table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gpufleet/gpufleet/pkg/config"
	"github.com/gpufleet/gpufleet/pkg/consumers"
	"github.com/gpufleet/gpufleet/pkg/db"
	"github.com/gpufleet/gpufleet/pkg/lifecycle"
	"github.com/gpufleet/gpufleet/pkg/models"
)

func main() {
	configPath := flag.String("config", "/etc/gpufleet/heartbeat-consumer.json", "path to consumer config file")
	flag.Parse()

	ctx := context.Background()

	var cfg models.ConsumerConfig
	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := lifecycle.CreateLogger(cfg.Logging, "heartbeat-consumer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	store := db.NewStore(pool, log)
	defer store.Close()

	writer := consumers.NewHeartbeatWriter(&cfg, store, log)

	if err := lifecycle.Run(ctx, writer, log); err != nil {
		log.Fatal().Err(err).Msg("heartbeat consumer exited")
	}
}
