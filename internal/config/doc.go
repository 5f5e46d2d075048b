// Package config provides configuration loading and validation for the voice
// gateway. It layers an optional YAML file and environment overrides on top of
// built-in defaults, with per-section struct validation.
package config
