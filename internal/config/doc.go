// Package config provides configuration loading and validation for the voice
// gateway. It handles YAML-based configuration with per-section validation and
// an environment fallback for the provider API key.
package config
