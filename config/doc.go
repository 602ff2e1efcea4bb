// Package config loads deskmesh's static configuration. Configuration is
// read once at startup from a YAML file with sensible defaults and handed
// opaquely into component factories; it is not part of the core's runtime
// state. Provider credentials, tool-server definitions, role prompts, hotkey
// bindings and the coordination tunables (timeouts, context window sizes,
// plugin grace period) all live here.
package config
