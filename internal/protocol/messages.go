// Package protocol defines the JSON wire format shared by browser clients, the
// relay and the backend conversation service. Client frames, broker requests
// and broker replies all carry the same message object; there is no separate
// error frame because failures are encoded as messages with sentinel ids.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/TalMal-ContactMe/contact-form/internal/chat"
)

// WireMessage is the JSON shape of chat.Message. Date is whole seconds since
// the Unix epoch (UTC); sub-second precision is dropped on encode.
type WireMessage struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Name           string `json:"name"`
	Message        string `json:"message"`
	Date           int64  `json:"date"`
	SenderType     string `json:"senderType"`
}

// WireContact is the JSON shape of chat.ContactRequest.
type WireContact struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// ToWire converts a message to its wire form.
func ToWire(m chat.Message) WireMessage {
	return WireMessage{
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		Name:           m.AuthorName,
		Message:        m.Body,
		Date:           m.Timestamp.Unix(),
		SenderType:     m.Sender.String(),
	}
}

// FromWire converts a wire message back to the domain type.
func FromWire(w WireMessage) (chat.Message, error) {
	sender, err := chat.ParseSenderKind(w.SenderType)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "protocol: decode senderType")
	}
	return chat.Message{
		ConversationID: w.ConversationID,
		MessageID:      w.MessageID,
		AuthorName:     w.Name,
		Body:           w.Message,
		Timestamp:      time.Unix(w.Date, 0).UTC(),
		Sender:         sender,
	}, nil
}

// EncodeMessage marshals a message for a client frame or a broker request.
func EncodeMessage(m chat.Message) ([]byte, error) {
	data, err := json.Marshal(ToWire(m))
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal message")
	}
	return data, nil
}

// DecodeMessage parses a single message object.
func DecodeMessage(data []byte) (chat.Message, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return chat.Message{}, errors.Wrap(err, "protocol: unmarshal message")
	}
	return FromWire(w)
}

// DecodeMessageList parses a history reply: a JSON array of message objects.
// A null or empty payload is an error since the backend always answers with
// an array, even an empty one.
func DecodeMessageList(data []byte) ([]chat.Message, error) {
	if len(data) == 0 {
		return nil, errors.New("protocol: empty history payload")
	}
	var ws []WireMessage
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, errors.Wrap(err, "protocol: unmarshal history")
	}
	if ws == nil {
		return nil, errors.New("protocol: null history payload")
	}

	msgs := make([]chat.Message, 0, len(ws))
	for i, w := range ws {
		m, err := FromWire(w)
		if err != nil {
			return nil, errors.Wrapf(err, "protocol: history entry %d", i)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// EncodeMessageList marshals a history reply.
func EncodeMessageList(msgs []chat.Message) ([]byte, error) {
	ws := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		ws = append(ws, ToWire(m))
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal history")
	}
	return data, nil
}

// EncodeContact marshals a start-conversation request.
func EncodeContact(r chat.ContactRequest) ([]byte, error) {
	data, err := json.Marshal(WireContact{Name: r.Name, Email: r.Email, Message: r.Body})
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal contact")
	}
	return data, nil
}

// DecodeContact parses a start-conversation request.
func DecodeContact(data []byte) (chat.ContactRequest, error) {
	var w WireContact
	if err := json.Unmarshal(data, &w); err != nil {
		return chat.ContactRequest{}, errors.Wrap(err, "protocol: unmarshal contact")
	}
	return chat.ContactRequest{Name: w.Name, Email: w.Email, Body: w.Message}, nil
}

// EncodeConversationID marshals the payload of a load request: the id as a
// JSON string.
func EncodeConversationID(id string) ([]byte, error) {
	data, err := json.Marshal(id)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal conversation id")
	}
	return data, nil
}

// DecodeConversationID parses the payload of a load request.
func DecodeConversationID(data []byte) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return "", errors.Wrap(err, "protocol: unmarshal conversation id")
	}
	return id, nil
}
