package livetail

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned, possibly wrapped, whenever a connection ticket
	// could not be obtained. No channel is opened after an ErrAuth.
	ErrAuth = errors.New("unable to obtain a stream ticket")

	// ErrMalformedMessage is returned by ParseStreamEvent. Malformed messages
	// are dropped and never change the connection state.
	ErrMalformedMessage = errors.New("malformed query log message")

	ErrAlreadyStarted = errors.New("tail already started")
	ErrStopped        = errors.New("tail has been stopped")
)

func authErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAuth}, args...)...)
}
