// Package registry implements deskmesh's named-instance service registry.
//
// Components obtain their collaborators by key instead of through a
// compile-time dependency graph: factories are registered with a lifetime
// (singleton or transient) and resolved on demand. Singleton construction is
// serialized so concurrent resolvers of a not-yet-built service observe
// exactly one factory invocation. Factories receive a resolution Scope whose
// Resolve tracks the active chain, turning re-entrant resolution of a key
// already under construction into ErrCyclicDependency instead of unbounded
// recursion.
//
// The registry is explicitly scoped (one instance per process lifetime,
// passed through constructors) rather than a hidden global; Reset tears down
// singletons for tests, invoking their Release hook when implemented.
package registry
