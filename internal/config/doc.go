// Package config handles configuration loading for cauldron.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file, chosen by extension
// (.toml is TOML, anything else YAML), with environment variable expansion,
// defaults and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CAULDRON_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  command_timeout: "30s"
//	jobs:
//	  shutdown_timeout: "10s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # host agent streams
//	  http_addr: "0.0.0.0:8080"   # API
//
// Host agents and jobs:
//
//	agents:
//	  command_timeout: "30s"
//	  workers: 8
//	  max_outstanding: 4
//	jobs:
//	  workers: 10
//	  queue_size: 100
//	  limits:
//	    snapshot: 2       # concurrent snapshot jobs per host
//
// Simulated hosts:
//
//	simulator:
//	  delay: "200ms"
//	  hosts:
//	    - {id: 1, name: "sim-1", pool_id: 7, pool_capacity_gb: 500}
//	  templates:
//	    - {id: 42, name: "debian-12", size_gb: 10}
//
// # Reloading
//
// Watch reloads the file on change. The gateway applies new jobs.limits
// values without a restart; other keys take effect on the next start.
package config
