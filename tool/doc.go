// Package tool implements the tool-provider side of deskmesh: discovery of
// externally exposed callable actions, schema validation of their arguments,
// and bounded-lifetime execution.
//
// A Server is the black-box protocol client contract (list tools, call a
// tool). Two implementations ship with the package: LocalServer hosts plain
// Go functions in process, SubprocessServer drives an external tool server
// over stdin/stdout JSON lines. The Registry aggregates tools across all
// configured servers, and the Executor runs approved invocations under an
// execution timeout, forcibly terminating overrunners.
package tool
