// Package logging provides a minimal logging interface and adapters for deskmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the bus, plugin host, context store and approval pipeline
// use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - DeskLogger with contextual helpers (component, conversation, correlation)
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	desk := deskmesh.New(deskmesh.WithLogger(logger))
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
