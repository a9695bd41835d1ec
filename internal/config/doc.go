// Package config loads, normalizes, and validates tender configuration.
//
// It owns the TOML schema, repository defaults, path expansion rules, and the
// environment overrides for the listen address. Other packages receive a fully
// normalized *Config and never read the environment for settings themselves.
package config
