// Package config loads broker and channel group settings.
//
// Settings come from built-in defaults, then an optional YAML file, then
// MSGBUS_* environment variables. An optional .env file is read into the
// environment first and never overrides variables that are already set.
package config
