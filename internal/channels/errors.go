package channels

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("channels: channel closed")
	ErrMessageNotFound = errors.New("channels: message not found")
	ErrDuplicateRule   = errors.New("channels: rule already attached")
	ErrRuleNotFound    = errors.New("channels: rule not attached")
)

// AttachError is returned when a rule's attach hook fails. The rule is not
// attached.
type AttachError struct {
	ChannelID string
	RuleID    string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("channels: attach rule %s to %s: %v", e.RuleID, e.ChannelID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
