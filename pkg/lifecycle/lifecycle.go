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

// Package lifecycle holds the shared process scaffolding of the fleet
// binaries: logger construction from config and a signal-aware run loop.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// CreateLogger builds the process logger from a config section, falling
// back to defaults when the section is absent.
func CreateLogger(cfg *models.LogConfig, component string) (logger.Logger, error) {
	logCfg := logger.DefaultConfig()
	if cfg != nil {
		logCfg = &logger.Config{
			Level:  cfg.Level,
			Debug:  cfg.Debug,
			Output: cfg.Output,
		}
	}

	log, err := logger.New(logCfg)
	if err != nil {
		return nil, err
	}

	return log.WithComponent(component), nil
}

// Service is anything with a start/stop lifecycle.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Run starts the service and blocks until SIGINT/SIGTERM or a start
// failure, then stops it. The context handed to Start is canceled when
// shutdown begins.
func Run(ctx context.Context, svc Service, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	log.Info().Msg("shutting down")

	// Shutdown runs on a fresh context; the signal context is already
	// canceled.
	return svc.Stop(context.WithoutCancel(ctx))
}
