package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// SendDestination is the well-known destination for outgoing messages.
const SendDestination = "/pub/message"

// RoomTopic is the broker destination carrying a room's messages.
func RoomTopic(roomID int) string {
	return fmt.Sprintf("/sub/message/%d", roomID)
}

var validate = validator.New()

// DecodeError reports a malformed incoming payload. It is always
// recovered locally: the frame is dropped and the connection stays open.
type DecodeError struct {
	Field string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode chat payload: field %q: %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("decode chat payload: missing field %q", e.Field)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// sendPayload is the wire shape published to SendDestination.
type sendPayload struct {
	JWTToken   string `json:"jwtToken"`
	OpenTalkID int    `json:"opentalkId"`
	Type       string `json:"type,omitempty"`
	Content    string `json:"content"`
}

// messagePayload is the wire shape pushed on room topics and returned by
// the paginated history endpoint. Required fields are pointers so a
// missing key is distinguishable from a zero value.
type messagePayload struct {
	Nickname        *string `json:"nickname"`
	ProfileImageURL *string `json:"profileImageUrl"`
	Type            *string `json:"type"`
	Content         *string `json:"content"`
	CreatedAt       *string `json:"createdAt"`
}

// EncodeSend validates in and renders the outgoing wire payload.
func EncodeSend(in SendInput) ([]byte, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid send input: %w", err)
	}
	body, err := json.Marshal(sendPayload{
		JWTToken:   in.Token,
		OpenTalkID: in.RoomID,
		Type:       string(in.Type),
		Content:    in.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}
	return body, nil
}

// createdAtLayouts are the timestamp shapes the backend has been observed
// to emit.
var createdAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DecodeMessage parses an incoming payload, deriving IsOwn by comparing
// the decoded nickname with self.
func DecodeMessage(data []byte, self string) (Message, error) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, &DecodeError{Field: "payload", Cause: err}
	}
	if p.Nickname == nil {
		return Message{}, &DecodeError{Field: "nickname"}
	}
	if p.Content == nil {
		return Message{}, &DecodeError{Field: "content"}
	}
	if p.CreatedAt == nil {
		return Message{}, &DecodeError{Field: "createdAt"}
	}

	sentAt, err := parseCreatedAt(*p.CreatedAt)
	if err != nil {
		return Message{}, &DecodeError{Field: "createdAt", Cause: err}
	}

	m := Message{
		Sender: *p.Nickname,
		Type:   TypeText,
		Text:   *p.Content,
		SentAt: sentAt,
		IsOwn:  self != "" && *p.Nickname == self,
	}
	if p.ProfileImageURL != nil {
		m.ProfileImageURL = *p.ProfileImageURL
	}
	if p.Type != nil && *p.Type != "" {
		m.Type = MessageType(*p.Type)
	}
	return m, nil
}

func parseCreatedAt(v string) (time.Time, error) {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
