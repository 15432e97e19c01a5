// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/parley.yaml
//  3. ~/.config/parley/parley.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${PARLEY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  request_timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  base_url: "http://localhost:8000"  # Chat backend
//	  request_timeout: "15s"             # Non-streaming requests only
//
// Authentication:
//
//	auth:
//	  token: "${PARLEY_TOKEN}"  # Optional bearer token
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Export:
//
//	export:
//	  dir: "~/transcripts"  # Default directory for /export
//
// # Validation
//
// Load() validates:
//
//   - server.base_url presence
//   - Duration format validity
//   - Logging format values
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A missing file is not an error: defaults are returned.
package config
