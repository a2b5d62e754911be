package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotFound   = errors.New("dispatcher: channel not found")
	ErrShutdown          = errors.New("dispatcher: shut down")
	ErrAlreadyRegistered = errors.New("dispatcher: manager already registered")
	ErrNotRegistered     = errors.New("dispatcher: manager not registered")
	ErrChannelExists     = errors.New("dispatcher: channel already has a master")
	ErrInvalidPolicy     = errors.New("dispatcher: invalid policy")
)

// AttachError is a channel manager whose OnAttach hook failed. The manager
// is unregistered.
type AttachError struct {
	ChannelID string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("dispatcher: attach manager to %s: %v", e.ChannelID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
