package rule

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dayuer/dispatchd/internal/bus"
)

// Construction errors.
var (
	ErrNoConsumer        = errors.New("rule: consumer is required")
	ErrInvalidSize       = errors.New("rule: invalid pool size")
	ErrInvalidAge        = errors.New("rule: invalid age trigger")
	ErrInvalidTimeout    = errors.New("rule: invalid timeout")
	ErrEmptyGroup        = errors.New("rule: empty group name")
	ErrInvalidErrorRoute = errors.New("rule: error route needs a kind and a handler")
)

// ConsumeError is a failed firing: the consumer returned an error or panicked.
type ConsumeError struct {
	RuleID    string
	ChannelID string
	Messages  []*bus.Message
	Err       error
}

// Error implements the error interface.
func (e *ConsumeError) Error() string {
	return fmt.Sprintf("rule %s on channel %s: consume %d messages: %v",
		e.RuleID, e.ChannelID, len(e.Messages), e.Err)
}

// Unwrap returns the consumer's error.
func (e *ConsumeError) Unwrap() error { return e.Err }

// isKind matches err against an error kind. Sentinel values match with
// errors.Is; a typed nil pointer such as (*MyError)(nil) matches any error
// of that type in the chain.
func isKind(err, kind error) bool {
	if kind == nil || err == nil {
		return false
	}
	t := reflect.TypeOf(kind)
	if t.Kind() == reflect.Ptr && reflect.ValueOf(kind).IsNil() {
		target := reflect.New(t)
		return errors.As(err, target.Interface())
	}
	return errors.Is(err, kind)
}
