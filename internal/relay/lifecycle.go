package relay

import (
	"context"
	"strings"

	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/deadletter"
	"github.com/TalMal-ContactMe/contact-form/internal/metrics"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
	"github.com/TalMal-ContactMe/contact-form/internal/registry"
)

// OnConnectionOpened binds conn to conversationID and replays the
// conversation's history over it in order. Registration happens first so a
// push arriving during the replay is delivered rather than dropped; the
// client may therefore see live pushes interleaved with history.
//
// A blank id is never registered, but its replay still runs against
// chat.Invalid.
func (e *Engine) OnConnectionOpened(ctx context.Context, conn registry.Conn, conversationID string) {
	e.RegisterConnection(conn, conversationID)
	e.ReplayHistory(ctx, conn, conversationID)
}

// RegisterConnection is the binding half of OnConnectionOpened. Transports
// call it before the connection can be observed closing, so a matching
// OnConnectionClosed always finds the entry it has to remove.
func (e *Engine) RegisterConnection(conn registry.Conn, conversationID string) {
	if strings.TrimSpace(conversationID) == "" {
		return
	}
	if prev := e.conns.Put(conversationID, conn); prev != nil && prev != conn {
		e.logger.Debug().Str("conversation", conversationID).Msg("newer connection superseded previous viewer")
	}
	e.updateRegistryGauge()
}

// ReplayHistory writes the history of conversationID to conn, stopping at the
// first failed write. It never touches the registry.
func (e *Engine) ReplayHistory(ctx context.Context, conn registry.Conn, conversationID string) {
	replayed := 0
	for m := range e.LoadConversation(ctx, conversationID) {
		if !e.deliver(conn, m) {
			break
		}
		replayed++
	}
	metrics.MessagesTotal.WithLabelValues("replayed").Add(float64(replayed))
	e.logger.Debug().Str("conversation", conversationID).Int("messages", replayed).Msg("history replayed")
}

// OnConnectionClosed unbinds conn from conversationID. The entry is only
// removed while it still points at conn, so closing a superseded connection
// leaves the newer one registered.
func (e *Engine) OnConnectionClosed(conn registry.Conn, conversationID string) {
	if strings.TrimSpace(conversationID) == "" {
		return
	}
	if e.conns.RemoveIf(conversationID, conn) {
		e.updateRegistryGauge()
		return
	}
	e.logger.Debug().Str("conversation", conversationID).Msg("closed connection was already superseded")
}

// OnClientTextFrame handles a message typed by the client on conn. The result
// of SendMessage, success or fallback, is written back to the same conn. A
// frame that does not decode is answered with Invalid ids.
func (e *Engine) OnClientTextFrame(ctx context.Context, conn registry.Conn, raw []byte) {
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		e.logger.Debug().Err(err).Msg("client frame rejected")
		e.deliver(conn, chat.Rejected(chat.Message{
			ConversationID: chat.Invalid,
			Sender:         chat.Visitor,
		}, chat.Invalid, err, e.now()))
		return
	}
	e.deliver(conn, e.SendMessage(ctx, msg))
}

// OnBrokerPush delivers a backend-originated message to the live viewer of
// its conversation. Payloads that do not decode, and conversations without a
// viewer, are dropped after being logged; the registry is never modified.
func (e *Engine) OnBrokerPush(raw []byte) {
	queue := e.queues.InboundDelivery

	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("malformed push dropped")
		e.recordDeadLetter(queue, deadletter.ReasonMalformedPush, "", raw, err)
		return
	}

	conn, ok := e.conns.Get(msg.ConversationID)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		e.logger.Debug().Str("conversation", msg.ConversationID).Msg("no live viewer, push dropped")
		e.recordDeadLetter(queue, deadletter.ReasonNoViewer, msg.ConversationID, raw, nil)
		return
	}

	if err := conn.WriteMessage(raw); err != nil {
		e.logger.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("push write failed")
		return
	}
	metrics.MessagesTotal.WithLabelValues("pushed").Inc()
}

// deliver encodes m and writes it to conn, reporting whether the write
// succeeded.
func (e *Engine) deliver(conn registry.Conn, m chat.Message) bool {
	data, err := protocol.EncodeMessage(m)
	if err != nil {
		e.logger.Error().Err(err).Str("conversation", m.ConversationID).Msg("reply not encoded")
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		e.logger.Warn().Err(err).Str("conversation", m.ConversationID).Msg("write to client failed")
		return false
	}
	return true
}
