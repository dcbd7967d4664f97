// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, duration parsing, defaults, and validation.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  artifacts_dir: "/var/lib/fleet/artifacts"
//
//	database:
//	  path: "/var/lib/fleet/gateway.db"
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"   # empty disables auth
//
//	agents:
//	  heartbeat_interval: "30s"
//	  idle_threshold: "90s"
//
//	commands:
//	  default_timeout: "30s"
//	  session_timeout: "10s"
//	  transfer_timeout: "5m"
//
//	streams:
//	  default_quality: 60
//	  default_fps: 5
//
//	transfers:
//	  recording_timeout: "10s"
//	  file_timeout: "2m"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations use Go's time.ParseDuration syntax. Unset durations fall back
// to the package defaults; the idle threshold defaults to three heartbeat
// intervals.
package config
