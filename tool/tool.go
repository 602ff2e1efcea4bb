package tool

import (
	"errors"
	"fmt"

	"github.com/deskmesh/deskmesh/internal/util"
)

// ErrUnknownTool is returned when no discovered tool matches the requested
// name.
var ErrUnknownTool = errors.New("unknown tool")

// Descriptor describes one callable tool as advertised by its server.
type Descriptor struct {
	// Name uniquely identifies the tool across all servers (snake_case
	// recommended).
	Name string `json:"name"`
	// Description is handed to the model to guide tool selection.
	Description string `json:"description"`
	// Schema is a minimal JSON-Schema-like map validated before dispatch.
	Schema map[string]any `json:"schema,omitempty"`
	// ServerID names the server the tool was discovered on.
	ServerID string `json:"server_id,omitempty"`
}

// ValidationError represents argument validation errors with detailed
// information.
type ValidationError = util.ValidationError

// Error codes used by the tool subsystem.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeTransport  = "TRANSPORT_ERROR"
)

// Error represents a failure during tool dispatch or execution.
type Error struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewError creates an Error with the specified details.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}
