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

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can use strings like "60s".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}

		*d = Duration(parsed)

		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Database holds the Postgres connection settings.
type Database struct {
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Database        string            `json:"database"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	SSLMode         string            `json:"ssl_mode,omitempty"`
	MaxConnections  int32             `json:"max_connections,omitempty"`
	ApplicationName string            `json:"application_name,omitempty"`
	ExtraParams     map[string]string `json:"extra_params,omitempty"`
}

// NATS holds the JetStream connection settings for the event pipeline.
type NATS struct {
	URL       string `json:"url"`
	Stream    string `json:"stream"`
	Subject   string `json:"subject_prefix,omitempty"`
	CredsFile string `json:"creds_file,omitempty"`
}

// TLS holds certificate paths for the proxy listener.
type TLS struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// BrokerConfig is the top-level configuration of the broker process.
type BrokerConfig struct {
	ControlAddr string `json:"control_addr"`
	ProxyAddr   string `json:"proxy_addr"`
	PublicAddr  string `json:"public_addr"`
	APIAddr     string `json:"api_addr"`

	LoginTimeout   Duration `json:"login_timeout,omitempty"`
	TaskTimeout    Duration `json:"task_timeout,omitempty"`
	PairingTTL     Duration `json:"pairing_ttl,omitempty"`
	DefaultModelID string   `json:"default_model_id,omitempty"`

	Database *Database  `json:"database"`
	NATS     *NATS      `json:"nats,omitempty"`
	ProxyTLS *TLS       `json:"proxy_tls,omitempty"`
	Logging  *LogConfig `json:"logging,omitempty"`
}

// Validate fills address defaults and rejects configs missing required
// sections.
func (c *BrokerConfig) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}

	if c.ControlAddr == "" {
		c.ControlAddr = ":9000"
	}

	if c.ProxyAddr == "" {
		c.ProxyAddr = ":9001"
	}

	if c.PublicAddr == "" {
		c.PublicAddr = ":9002"
	}

	if c.APIAddr == "" {
		c.APIAddr = ":9003"
	}

	if c.DefaultModelID == "" {
		c.DefaultModelID = "gpuf"
	}

	return nil
}

// Validate rejects consumer configs missing required sections.
func (c *ConsumerConfig) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}

	if c.NATS == nil || c.NATS.URL == "" {
		return errors.New("nats configuration is required")
	}

	return nil
}

// LogConfig mirrors logger.Config without creating an import cycle.
type LogConfig struct {
	Level  string `json:"level"`
	Debug  bool   `json:"debug"`
	Output string `json:"output"`
}

// ConsumerConfig is the configuration of the heartbeat consumer process.
type ConsumerConfig struct {
	Database *Database  `json:"database"`
	NATS     *NATS      `json:"nats"`
	Consumer string     `json:"consumer_name,omitempty"`
	Logging  *LogConfig `json:"logging,omitempty"`
}
