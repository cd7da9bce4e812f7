package wire

import "fmt"

// MalformedMessageError reports a frame that failed to decode or whose fields
// do not match its tag. The frame is discarded; the connection may continue.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
}
