package tools

import (
	"errors"
	"fmt"
)

// ErrOutsideWorkspace is returned when a path resolves outside the
// workspace directory, whether by "..", an absolute path or a symlink.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// ErrToolUnavailable is returned when an action names a tool that is not
// in the registry. The agent loop reports it to the model as an
// observation so the model can pick a real tool on the next step.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown action %q", e.ToolName)
}
