/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"fmt"
	"time"
)

// DefaultPort is the default control port of the server.
const DefaultPort = 33100

// Idle timeout bounds for client sessions
const (
	MinIdleTimeout     = 5 * time.Second
	MaxIdleTimeout     = 600 * time.Second
	DefaultIdleTimeout = 10 * time.Second
)

// Speed is the target outbound data rate.
type Speed string

// Recognized target speeds
const (
	SpeedLocal Speed = "local"
	Speed10M   Speed = "10M"
	Speed100M  Speed = "100M"
	Speed1G    Speed = "1G"
	Speed10G   Speed = "10G"
)

// Bytes returns the byte rate of the target speed.
func (s Speed) Bytes() (float64, error) {
	switch s {
	case SpeedLocal:
		return 5000000000, nil
	case Speed10M:
		return 10000000, nil
	case Speed100M:
		return 100000000, nil
	case Speed1G:
		return 1000000000, nil
	case Speed10G:
		return 10000000000, nil
	}
	return 0, fmt.Errorf("unrecognized target speed %q", string(s))
}

// Config is the server configuration.
type Config struct {
	// Host is the address the control port binds to.
	Host string
	// Port is the control port; 0 binds an ephemeral one. Data
	// packets are sent from a separate socket to the master's
	// advertised sink.
	Port int
	// IdleTimeout drops a client that has not called any procedure
	// within the window. Clamped to [MinIdleTimeout, MaxIdleTimeout].
	IdleTimeout time.Duration
	// TargetSpeed caps the outbound data rate.
	TargetSpeed Speed
}

// EvalAndValidate fills defaults and clamps values.
func (c *Config) EvalAndValidate() error {
	if c.Host == "" {
		return fmt.Errorf("bad config: 'host' is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("bad config: 'port' out of range")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdleTimeout < MinIdleTimeout {
		c.IdleTimeout = MinIdleTimeout
	}
	if c.IdleTimeout > MaxIdleTimeout {
		c.IdleTimeout = MaxIdleTimeout
	}
	if c.TargetSpeed == "" {
		c.TargetSpeed = SpeedLocal
	}
	if _, err := c.TargetSpeed.Bytes(); err != nil {
		return fmt.Errorf("bad config: %w", err)
	}
	return nil
}
