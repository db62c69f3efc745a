// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; every other
// extension is read as YAML. Keys missing from the file keep the values
// from Default, and Load validates the result.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	relay:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	typing:
//	  stop_after: "2s"
//	  safety_timeout: "5s"
//
// # Configuration Sections
//
// Relay server:
//
//	relay:
//	  grpc_addr: "127.0.0.1:50061"
//	  jwt_secret: "${PARLEY_JWT_SECRET}"  # empty disables auth
//	  replay_size: 256                     # events kept per conversation
//	  typing_rate: 5                       # typing frames per second per stream
//	  typing_burst: 10
//	  shutdown_grace: "10s"
//
// Relay client:
//
//	client:
//	  relay_addr: "127.0.0.1:50061"
//	  token: "${PARLEY_TOKEN}"
//	  backoff_min: "100ms"
//	  backoff_max: "10s"
//	  dedupe_ttl: "10m"
//	  dedupe_size: 10000
//
// Database:
//
//	database:
//	  path: "./parley.db"   # ":memory:" for a throwaway store
//
// Typing, presence and inbox:
//
//	typing:
//	  stop_after: "2s"
//	  safety_timeout: "5s"
//	presence:
//	  poll_interval: "10s"
//	inbox:
//	  page_size: 50
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
