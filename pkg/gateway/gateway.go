// Package gateway provides the public API for embedding the relay.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/llm-relay/internal/pkg/config"
	"github.com/tjfontaine/llm-relay/internal/runtime"
)

// Gateway is the main entry point for running the relay.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Config is the process configuration accepted by WithConfig.
type Config = config.Config

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithConfigFile("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// LoadConfig reads config.yaml (or path) and RELAY_ environment overrides.
var LoadConfig = config.Load

// Configuration options
var (
	WithConfig     = runtime.WithConfig
	WithConfigFile = runtime.WithConfigFile
	WithLogger     = runtime.WithLogger
	WithHTTPClient = runtime.WithHTTPClient
	WithLedger     = runtime.WithLedger
	WithListenFunc = runtime.WithListenFunc
	WithClock      = runtime.WithClock
)
