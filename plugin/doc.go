// Package plugin implements the capability-unit host: discovery of plugin
// manifests, dependency resolution against the service registry, and a
// forward-only lifecycle per plugin (Discovered, Initialized, Started,
// Stopped, with Failed reachable from any non-terminal state).
//
// Plugins are compiled in and registered by name through a Factory; YAML
// manifests in the configured directory select which plugins run and carry
// their settings. A failing plugin is isolated: it moves to Failed and a
// plugin.crash event is published, while the host and its other plugins
// carry on. The manifest directory can be watched so dropping or editing a
// manifest enables, disables or reconfigures a plugin at runtime.
package plugin
