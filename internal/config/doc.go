// Package config loads the bootstrap configuration of the phone agent control
// plane: listen address, where run settings are persisted, which executor
// drives the agent and how run notifications are delivered. Values come from a
// JSON file whose relative paths are resolved against the file's directory,
// with WEB_HOST / WEB_PORT overriding the listen address.
package config
