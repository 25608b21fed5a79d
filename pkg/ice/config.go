// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

import "time"

const (
	DefaultInitialRTO         = 500 * time.Millisecond
	DefaultMaxRetries         = 7
	DefaultCheckInterval      = 100 * time.Millisecond
	DefaultPermissionLifetime = 5 * time.Minute
	DefaultPermissionRefresh  = 4 * time.Minute
	DefaultChannelLifetime    = 10 * time.Minute
	DefaultChannelRefresh     = 8 * time.Minute
	DefaultRefreshInterval    = 60 * time.Second
	DefaultAllocationLifetime = 600 * time.Second
	DefaultRealm              = "livekit"
)

// TransportConfig holds the STUN retransmission and TURN lifetime knobs shared
// by every transport role.
type TransportConfig struct {
	InitialRTO    time.Duration `yaml:"initial_rto,omitempty"`
	MaxRetries    int           `yaml:"max_stun_retry,omitempty"`
	CheckInterval time.Duration `yaml:"check_interval,omitempty"`

	PermissionLifetime time.Duration `yaml:"permission_lifetime,omitempty"`
	PermissionRefresh  time.Duration `yaml:"permission_refresh,omitempty"`
	ChannelLifetime    time.Duration `yaml:"channel_binding_lifetime,omitempty"`
	ChannelRefresh     time.Duration `yaml:"channel_binding_refresh,omitempty"`
	RefreshInterval    time.Duration `yaml:"refresh_interval,omitempty"`
	AllocationLifetime time.Duration `yaml:"allocation_lifetime,omitempty"`
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		InitialRTO:         DefaultInitialRTO,
		MaxRetries:         DefaultMaxRetries,
		CheckInterval:      DefaultCheckInterval,
		PermissionLifetime: DefaultPermissionLifetime,
		PermissionRefresh:  DefaultPermissionRefresh,
		ChannelLifetime:    DefaultChannelLifetime,
		ChannelRefresh:     DefaultChannelRefresh,
		RefreshInterval:    DefaultRefreshInterval,
		AllocationLifetime: DefaultAllocationLifetime,
	}
}

func (c TransportConfig) withDefaults() TransportConfig {
	d := DefaultTransportConfig()
	if c.InitialRTO <= 0 {
		c.InitialRTO = d.InitialRTO
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.PermissionLifetime <= 0 {
		c.PermissionLifetime = d.PermissionLifetime
	}
	if c.PermissionRefresh <= 0 || c.PermissionRefresh >= c.PermissionLifetime {
		c.PermissionRefresh = c.PermissionLifetime * 4 / 5
	}
	if c.ChannelLifetime <= 0 {
		c.ChannelLifetime = d.ChannelLifetime
	}
	if c.ChannelRefresh <= 0 || c.ChannelRefresh >= c.ChannelLifetime {
		c.ChannelRefresh = c.ChannelLifetime * 4 / 5
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.AllocationLifetime <= 0 {
		c.AllocationLifetime = d.AllocationLifetime
	}
	return c
}
