// Package config handles configuration loading for session-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults; a
// missing file means defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SESSION_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/session-relay/config.yaml
//  3. ~/.config/session-relay/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${RELAY_DATA_DIR}/sessions.db"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: ":8385"   # API and websocket feeds
//
// Database:
//
//	database:
//	  path: "data/sessions.db"
//
// Dispatch pipeline:
//
//	relay:
//	  queue_size: 256                 # per-session queue depth, 0 = default
//	  detect_workspace_paths: true    # tool-output path heuristic
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
