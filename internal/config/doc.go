// Package config handles configuration loading for navivox-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from NAVIVOX_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/navivox/gateway.yaml
//  3. ~/.config/navivox/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Voice endpoint:
//
//	server:
//	  addr: "127.0.0.1:8765"
//	  path: "/"
//	  max_frame_bytes: 4194304
//
// Handshake timing (Go duration syntax):
//
//	handshake:
//	  timeout: "5s"        # per receive (hello, auth)
//	  send_timeout: "5s"   # per server send
//	  drain_timeout: "10s" # shutdown drain bound
//
// Data and audit:
//
//	data:
//	  dir: "/var/lib/navivox"
//	audit:
//	  sqlite: true
//
// Allowlist:
//
//	allowlist:
//	  file: "devices.toml"
//	  devices:
//	    - device_id: "dev1"
//	      public_key: "<base64 raw ed25519 key>"
//
// Tailscale and logging:
//
//	tailscale:
//	  enabled: false
//	  hostname: "navivox"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
