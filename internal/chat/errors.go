package chat

import (
	"errors"
	"fmt"
)

// ErrNoContent is returned by Complete when the reply carried no recognizable text
var ErrNoContent = errors.New("chat reply carried no text")

// TransportError is a network or backend failure while talking to the chat endpoint
type TransportError struct {
	Op         string // "open", "read", "stream"
	StatusCode int    // Zero unless the backend answered
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chat %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chat %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
