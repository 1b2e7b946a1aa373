// Package config handles configuration loading for agent-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, duration parsing, defaults, and validation.
//
// # Configuration File
//
// Locations, in order:
//
//  1. The --config flag
//  2. Path from the AGENT_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/agent-relay/relay.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Values can reference environment variables before parsing:
//
//	platform:
//	  api_key: "${AGENT_PLATFORM_KEY}"
//
// Unset variables expand to an empty string.
//
// # Example
//
//	platform:
//	  base_url: "https://agents.example.com/api"
//	  api_key: "${AGENT_PLATFORM_KEY}"
//
//	store:
//	  mode: auto            # auto, local, or remote
//	  codec: json           # json or cbor
//	  remote:
//	    addr: "localhost:6379"
//	  failure_threshold: 3
//	  failure_window: 30s
//
//	session:
//	  ttl: 24h
//	  max_document_refs: 20
//
//	polling:
//	  interval: 1500ms
//	  max_attempts: 30
//	  ceiling: 120s
//
//	ledger:
//	  enabled: true
//
//	logging:
//	  level: info
//	  format: text
//
// # Usage
//
//	cfg, err := config.Load(config.ResolvePath(flagPath))
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
