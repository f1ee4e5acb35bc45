/*
Copyright 2018-2019 Gravitational, Inc.

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

// Package termgateway holds constants shared across the terminal gateway's
// components: the component tags used for structured logging, and the
// wire-level defaults used by the framed client protocol.
package termgateway

import "time"

// Component names used as the "component" logrus field, one per
// lib/<pkg> that opens its own logger.
const (
	ComponentPool      = "transport:pool"
	ComponentRemote    = "srv:remote"
	ComponentContainer = "srv:container"
	ComponentLocal     = "srv:local"
	ComponentGateway   = "web:gateway"
	ComponentCatalog   = "web:catalog"
	ComponentStore     = "store"
)

// Protocol and geometry defaults, named here so every package that needs
// one references the same constant instead of a scattered literal.
const (
	// DefaultCols and DefaultRows are used when create_terminal/create_sandbox
	// omit geometry (§8 boundary behaviors).
	DefaultCols = 80
	DefaultRows = 30

	// DefaultTerm is the terminal type requested for remote shell channels
	// when the client does not specify one.
	DefaultTerm = "xterm-256color"

	// DefaultPort is the gateway's HTTP+WS listener port.
	DefaultPort = 3001

	// WebSocketPath is where the framed client stream is served.
	WebSocketPath = "/ws"

	// DefaultMaxFrameBytes bounds a single inbound websocket frame.
	DefaultMaxFrameBytes = 64 * 1024

	// DefaultIdleTransportTimeout is how long an unreferenced pooled
	// transport is kept alive before being closed (§4.1).
	DefaultIdleTransportTimeout = 5 * time.Minute

	// DefaultKeepAliveInterval is the interval between keep-alive pings
	// sent on a pooled SSH transport.
	DefaultKeepAliveInterval = 10 * time.Second

	// DefaultDialTimeout bounds establishing a new pooled transport.
	DefaultDialTimeout = 20 * time.Second

	// DefaultRememberedParamsTTL is how long remembered remote session
	// parameters are kept before becoming eligible for eviction (§3).
	DefaultRememberedParamsTTL = 7 * 24 * time.Hour
)
