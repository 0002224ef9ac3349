package relay

import (
	"context"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/TalMal-ContactMe/contact-form/internal/breaker"
	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/deadletter"
	"github.com/TalMal-ContactMe/contact-form/internal/metrics"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
)

var (
	errBlankConversation = errors.New("conversation id is blank")
	errRateLimited       = errors.New("too many messages, slow down")
)

// request is one client action bound for the backend. Each variant carries
// what its fallback needs.
type request interface {
	isRequest()
}

type startRequest struct {
	contact chat.ContactRequest
}

type sendRequest struct {
	msg chat.Message
}

func (startRequest) isRequest() {}
func (sendRequest) isRequest()  {}

// StartConversation asks the backend to open a conversation for req and
// returns its first message. An invalid request is answered locally with
// Invalid ids; an unreachable backend yields chat.StartFailure.
func (e *Engine) StartConversation(ctx context.Context, req chat.ContactRequest) chat.Message {
	if err := req.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return chat.Rejected(chat.Message{
			ConversationID: chat.Invalid,
			AuthorName:     req.Name,
			Sender:         chat.Visitor,
		}, chat.Invalid, err, e.now())
	}
	return e.exchange(ctx, startRequest{contact: req})
}

// SendMessage forwards msg to the backend and returns the stored message.
// Validation and rate limiting happen before any broker call; an unreachable
// backend yields chat.SendFailure.
func (e *Engine) SendMessage(ctx context.Context, msg chat.Message) chat.Message {
	if strings.TrimSpace(msg.ConversationID) == "" {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		msg.ConversationID = chat.Invalid
		return chat.Rejected(msg, chat.Invalid, errBlankConversation, e.now())
	}
	if err := chat.ValidateBody(msg.Body); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return chat.Rejected(msg, chat.Invalid, err, e.now())
	}

	if e.limiter != nil {
		allowed, err := e.limiter.Allow(ctx, msg.ConversationID, e.rule)
		if err != nil {
			e.logger.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("rate limiter unavailable")
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return chat.Rejected(msg, chat.RateLimited, errRateLimited, e.now())
		}
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return e.exchange(ctx, sendRequest{msg: msg})
}

// exchange runs one request/reply round trip under the breaker and converts
// every failure into the fallback message for req.
func (e *Engine) exchange(ctx context.Context, req request) chat.Message {
	queue, payload, err := e.encode(req)
	if err != nil {
		return e.fallback(req, queue, err)
	}

	reply, err := breaker.Execute(ctx, e.breaker, func(ctx context.Context) ([]byte, error) {
		return e.call(ctx, queue, payload)
	})
	if err != nil {
		return e.fallback(req, queue, err)
	}

	msg, err := protocol.DecodeMessage(reply)
	if err != nil {
		return e.fallback(req, queue, errors.Wrap(err, "backend reply"))
	}
	return msg
}

func (e *Engine) encode(req request) (queue string, payload []byte, err error) {
	switch r := req.(type) {
	case startRequest:
		payload, err = protocol.EncodeContact(r.contact)
		return e.queues.StartChat, payload, err
	case sendRequest:
		payload, err = protocol.EncodeMessage(r.msg)
		return e.queues.NewMessage, payload, err
	}
	return "", nil, errors.Errorf("relay: unknown request %T", req)
}

func (e *Engine) fallback(req request, queue string, cause error) chat.Message {
	metrics.FallbacksTotal.WithLabelValues(queue).Inc()
	e.logger.Warn().Err(cause).Str("queue", queue).Msg("backend unreachable, replying with fallback")

	switch r := req.(type) {
	case startRequest:
		return chat.StartFailure(r.contact, cause, e.now())
	case sendRequest:
		return chat.SendFailure(r.msg, cause, e.now())
	}
	return chat.Message{
		ConversationID: chat.CommunicationError,
		MessageID:      chat.CommunicationError,
		Body:           cause.Error(),
		Timestamp:      e.now().UTC(),
	}
}

// LoadConversation returns the history of conversationID as a lazy sequence.
// The backend is queried when iteration starts; the sequence can be ranged
// over once. A blank id is queried as chat.Invalid. When the backend cannot
// be reached or its reply cannot be parsed the sequence is empty and the
// anomaly is logged.
func (e *Engine) LoadConversation(ctx context.Context, conversationID string) iter.Seq[chat.Message] {
	id := chat.NormalizeConversationID(conversationID)
	var consumed atomic.Bool

	return func(yield func(chat.Message) bool) {
		if consumed.Swap(true) {
			return
		}
		for _, m := range e.fetchHistory(ctx, id) {
			if !yield(m) {
				return
			}
		}
	}
}

func (e *Engine) fetchHistory(ctx context.Context, id string) []chat.Message {
	queue := e.queues.LoadChat
	logger := e.logger.With().Str("queue", queue).Str("conversation", id).Logger()

	payload, err := protocol.EncodeConversationID(id)
	if err != nil {
		logger.Error().Err(err).Msg("history request not encoded")
		return nil
	}

	reply, err := breaker.Execute(ctx, e.breaker, func(ctx context.Context) ([]byte, error) {
		return e.call(ctx, queue, payload)
	})
	if err != nil {
		metrics.FallbacksTotal.WithLabelValues(queue).Inc()
		logger.Error().Err(err).Msg("history unavailable")
		return nil
	}

	msgs, err := protocol.DecodeMessageList(reply)
	if err != nil {
		logger.Error().Err(err).Int("bytes", len(reply)).Msg("history reply unparseable")
		e.recordDeadLetter(queue, deadletter.ReasonUnparseableHistory, id, reply, err)
		return nil
	}
	return msgs
}
