// Package chat holds the value types exchanged between visitors, the relay and
// the backend conversation service: the initial contact request, a single chat
// message, and the reserved sentinel ids that let failures travel through the
// same type as real messages.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Sentinel ids. They are valid values for both ConversationID and MessageID so
// that synthesized messages flow through the same path as backend replies.
const (
	// CommunicationError marks a message synthesized because the backend could
	// not be reached (timeout, broker failure, open circuit).
	CommunicationError = "CommunicationError"

	// Invalid replaces a missing or blank conversation id, and marks messages
	// rejected by local validation before any broker call.
	Invalid = "Invalid"

	// RateLimited marks a send refused by the per-conversation rate limiter.
	RateLimited = "RateLimited"
)

// SenderKind classifies the author of a message.
type SenderKind int

const (
	Visitor SenderKind = iota
	Agent
)

var senderNames = map[SenderKind]string{
	Visitor: "Visitor",
	Agent:   "Agent",
}

// String returns the enum name used on the wire.
func (k SenderKind) String() string {
	if name, ok := senderNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SenderKind(%d)", int(k))
}

// ParseSenderKind maps a wire name back to a SenderKind.
func ParseSenderKind(name string) (SenderKind, error) {
	for kind, n := range senderNames {
		if n == name {
			return kind, nil
		}
	}
	return Visitor, errors.Errorf("chat: unknown sender kind %q", name)
}

// ContactRequest is what a visitor submits before any conversation exists.
type ContactRequest struct {
	Name  string
	Email string
	Body  string // first message of the conversation
}

// Validate checks the fields a backend needs to open a conversation.
func (r ContactRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("contact name is empty")
	}
	if !strings.Contains(r.Email, "@") {
		return errors.Errorf("contact email %q is not an address", r.Email)
	}
	return ValidateBody(r.Body)
}

// Message is a single entry of a conversation.
type Message struct {
	ConversationID string
	MessageID      string
	AuthorName     string
	Body           string
	Timestamp      time.Time // UTC
	Sender         SenderKind
}

// IsSynthesized reports whether the message was built locally from a failure
// rather than returned by the backend.
func (m Message) IsSynthesized() bool {
	switch m.MessageID {
	case CommunicationError, Invalid, RateLimited:
		return true
	}
	return false
}

// NormalizeConversationID substitutes Invalid for a blank id.
func NormalizeConversationID(id string) string {
	if strings.TrimSpace(id) == "" {
		return Invalid
	}
	return id
}

// StartFailure builds the reply for a start request the backend never
// answered. Both ids carry CommunicationError since no conversation exists.
func StartFailure(req ContactRequest, cause error, now time.Time) Message {
	return Message{
		ConversationID: CommunicationError,
		MessageID:      CommunicationError,
		AuthorName:     req.Name,
		Body:           describe(cause),
		Timestamp:      now.UTC(),
		Sender:         Visitor,
	}
}

// SendFailure builds the reply for an outgoing message the backend never
// answered. The conversation, author and sender are kept so the client files
// the error under the right conversation.
func SendFailure(msg Message, cause error, now time.Time) Message {
	return Rejected(msg, CommunicationError, cause, now)
}

// Rejected is SendFailure with a caller-chosen sentinel message id.
func Rejected(msg Message, sentinel string, cause error, now time.Time) Message {
	return Message{
		ConversationID: msg.ConversationID,
		MessageID:      sentinel,
		AuthorName:     msg.AuthorName,
		Body:           describe(cause),
		Timestamp:      now.UTC(),
		Sender:         msg.Sender,
	}
}

func describe(cause error) string {
	if cause == nil {
		return "unknown failure"
	}
	return cause.Error()
}
