package mediainfo

import "fmt"

// ExtractError reports a failed or unparsable extraction.
type ExtractError struct {
	Message string
}

func (e *ExtractError) Error() string { return e.Message }

func extractErrorf(format string, args ...any) *ExtractError {
	return &ExtractError{Message: fmt.Sprintf(format, args...)}
}
