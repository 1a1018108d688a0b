// Package chat implements the OpenTalk chat core: the payload codec, the
// delivery dispatcher, the per-room history buffer, and the room session
// that rides on the stomp transport.
package chat

import (
	"time"
)

// MessageType determines how message content should be interpreted.
type MessageType string

const (
	// TypeText indicates that the content is a plain UTF-8 string.
	TypeText MessageType = "text"
)

// Message is one chat message as seen by consumers. Immutable once
// constructed.
type Message struct {
	// Sender is the nickname of the author as reported by the backend.
	Sender string
	// ProfileImageURL may be empty; the backend omits it for users
	// without an avatar.
	ProfileImageURL string
	Type            MessageType
	Text            string
	SentAt          time.Time
	// IsOwn is derived locally by comparing Sender with the
	// authenticated identity. It is never read off the wire.
	IsOwn bool
}

// SendInput is the UI intent behind an outgoing message. It is encoded by
// the codec and never retained after the send.
type SendInput struct {
	RoomID int         `validate:"required,gt=0"`
	Type   MessageType `validate:"required"`
	Token  string      `validate:"required"`
	Text   string      `validate:"required"`
}
