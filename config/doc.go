// Package config handles configuration loading and management.
//
// Runtime settings are stored in ~/.warden/config.json (WARDEN_HOME overrides the directory)
// and the agent roster in agents.yaml next to it. Both are written with defaults on first run.
package config
