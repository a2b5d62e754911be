// Package bus holds the messages stored in a channel and the pool that keeps them.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique message IDs.
type IDGenerator func() string

// DefaultIDGenerator is used by pools that were not given their own generator.
var DefaultIDGenerator IDGenerator = uuid.NewString

// Message is a payload stored in a channel plus its arrival metadata.
// A Message is immutable once the pool has assigned it.
type Message struct {
	id         string
	channelID  string
	payload    any
	insertedAt time.Time
}

// NewMessage builds a message outside a pool. Pools assign their own messages
// on Insert; this is mainly useful for tests and filters.
func NewMessage(id, channelID string, payload any, insertedAt time.Time) *Message {
	return &Message{
		id:         id,
		channelID:  channelID,
		payload:    payload,
		insertedAt: insertedAt,
	}
}

// ID returns the identifier assigned at store time.
func (m *Message) ID() string { return m.id }

// ChannelID returns the id of the channel owning the message.
func (m *Message) ChannelID() string { return m.channelID }

// Payload returns the stored value.
func (m *Message) Payload() any { return m.payload }

// InsertedAt returns the insertion time (carries a monotonic reading).
func (m *Message) InsertedAt() time.Time { return m.insertedAt }

// Age returns how long the message has been pooled at now.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.insertedAt)
}

// PayloadAs returns the payload as T, if it is one.
func PayloadAs[T any](m *Message) (T, bool) {
	v, ok := m.payload.(T)
	return v, ok
}

// messageJSON is the JSON shape of a message.
type messageJSON struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	InsertedAt time.Time `json:"insertedAt"`
	Payload    any       `json:"payload"`
}

// MarshalJSON exposes the message to the status API and the webhook action.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:         m.id,
		ChannelID:  m.channelID,
		InsertedAt: m.insertedAt,
		Payload:    m.payload,
	})
}
