// Package config handles configuration loading for chatrelay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so a file only needs the values it
// changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHATRELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chatrelay/config.yaml
//  3. ~/.config/chatrelay/config.yaml
//
// Files ending in .toml are decoded as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	generation:
//	  provider: "anthropic"
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ratelimit:
//	  window: "1m"
//	  idle_ttl: "1h"
//
// # Example Configuration
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//
//	database:
//	  driver: "sqlite"
//	  path: "/var/lib/chatrelay/chatrelay.db"
//
//	ratelimit:
//	  chat_limit: 10
//	  api_limit: 100
//	  window: "1m"
//
//	generation:
//	  provider: "openai"
//	  base_url: "http://localhost:11434/v1"
//	  model: "llama3"
//	  timeout: "2m"
//
//	chat:
//	  max_message_length: 2000
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
