// Package tools runs model-requested local tools under time and size limits.
package tools

import (
	"errors"
	"fmt"
)

// ToolKind categorizes tools by their effect on the workspace.
type ToolKind string

const (
	KindRead    ToolKind = "read"
	KindEdit    ToolKind = "edit"
	KindSearch  ToolKind = "search"
	KindExecute ToolKind = "execute"
)

// ToolErrorType provides structured errors for tool failures.
type ToolErrorType string

const (
	ErrFileNotFound     ToolErrorType = "FILE_NOT_FOUND"
	ErrInvalidParams    ToolErrorType = "INVALID_PARAMS"
	ErrExecutionFailed  ToolErrorType = "EXECUTION_FAILED"
	ErrPermissionDenied ToolErrorType = "PERMISSION_DENIED"
	ErrBinaryFile       ToolErrorType = "BINARY_FILE"
	ErrNoMatch          ToolErrorType = "NO_MATCH"
	ErrAmbiguousMatch   ToolErrorType = "AMBIGUOUS_MATCH"
	ErrTimeout          ToolErrorType = "TIMEOUT"
)

// ToolError is returned by tools for failures the model should see.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...interface{}) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// AsToolError reports whether err carries a ToolError.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Tool specification names
const (
	BashToolName  = "bash"
	ReadToolName  = "read"
	WriteToolName = "write"
	EditToolName  = "edit"
	ListToolName  = "list"
	GlobToolName  = "glob"
	GrepToolName  = "grep"
)

// AllToolNames returns all valid tool spec names in registration order.
func AllToolNames() []string {
	return []string{
		BashToolName,
		ReadToolName,
		WriteToolName,
		EditToolName,
		ListToolName,
		GlobToolName,
		GrepToolName,
	}
}

// ValidToolName checks if a name is a valid tool spec name.
func ValidToolName(name string) bool {
	for _, n := range AllToolNames() {
		if n == name {
			return true
		}
	}
	return false
}

// GetToolKind returns the kind for a tool spec name.
func GetToolKind(specName string) ToolKind {
	switch specName {
	case ReadToolName:
		return KindRead
	case WriteToolName, EditToolName:
		return KindEdit
	case ListToolName, GlobToolName, GrepToolName:
		return KindSearch
	case BashToolName:
		return KindExecute
	default:
		return ""
	}
}
