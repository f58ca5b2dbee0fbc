package tools

import "fmt"

// ErrUnknownTool is returned when a call names a tool that is not in the
// registry. The model invented it or the registry was built without it.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %s", e.ToolName)
}

// ErrInvalidArguments is returned when a call's arguments do not decode
// into the tool's argument struct or miss a required field.
type ErrInvalidArguments struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying decode or validation error.
func (e *ErrInvalidArguments) Unwrap() error { return e.Err }
