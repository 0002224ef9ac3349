// Package fakebackend is an in-memory stand-in for the contact backend. It
// answers the relay's start, send and load requests over the broker and can
// push an agent reply back on the delivery queue, which is enough to run the
// relay end to end on a laptop.
package fakebackend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/messaging"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
)

// Bus is the broker surface the service needs. *messaging.Client satisfies it.
type Bus interface {
	Serve(queue, group string, responder messaging.Responder) error
	Publish(queue string, data []byte) error
}

// Config tunes the simulator.
type Config struct {
	Queues     messaging.Queues
	QueueGroup string        // "" serves every request on every instance
	AutoReply  bool          // push an agent answer after each visitor message
	AgentName  string        // author of automatic replies
	ReplyDelay time.Duration // wait before an automatic reply
}

// ErrUnknownConversation is returned for messages addressed to a conversation
// that was never started.
var ErrUnknownConversation = errors.New("fakebackend: unknown conversation")

// Service keeps every conversation in memory.
type Service struct {
	bus    Bus
	config Config
	now    func() time.Time
	logger zerolog.Logger

	mu            sync.Mutex
	conversations map[string][]chat.Message

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewService creates a Service. Zero-valued queue names fall back to
// messaging.DefaultQueues.
func NewService(bus Bus, config Config) *Service {
	def := messaging.DefaultQueues()
	if config.Queues.StartChat == "" {
		config.Queues.StartChat = def.StartChat
	}
	if config.Queues.NewMessage == "" {
		config.Queues.NewMessage = def.NewMessage
	}
	if config.Queues.LoadChat == "" {
		config.Queues.LoadChat = def.LoadChat
	}
	if config.Queues.InboundDelivery == "" {
		config.Queues.InboundDelivery = def.InboundDelivery
	}
	if config.AgentName == "" {
		config.AgentName = "Support"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		bus:           bus,
		config:        config,
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		logger:        log.With().Str("component", "fakebackend").Logger(),
		conversations: make(map[string][]chat.Message),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start registers the request handlers.
func (s *Service) Start() error {
	q := s.config.Queues
	for queue, responder := range map[string]messaging.Responder{
		q.StartChat:  s.handleStart,
		q.NewMessage: s.handleNewMessage,
		q.LoadChat:   s.handleLoad,
	} {
		if err := s.bus.Serve(queue, s.config.QueueGroup, responder); err != nil {
			return err
		}
	}
	s.logger.Info().
		Bool("auto_reply", s.config.AutoReply).
		Str("group", s.config.QueueGroup).
		Msg("service started")
	return nil
}

// Stop cancels pending automatic replies and waits for in-flight ones.
func (s *Service) Stop() {
	s.cancel()
	s.pending.Wait()
	s.logger.Info().Msg("service stopped")
}

// Conversation returns a copy of the stored messages for id.
func (s *Service) Conversation(id string) ([]chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return append([]chat.Message(nil), msgs...), true
}

func (s *Service) handleStart(data []byte) ([]byte, error) {
	req, err := protocol.DecodeContact(data)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, "fakebackend: start")
	}

	first := chat.Message{
		ConversationID: uuid.New().String(),
		MessageID:      uuid.New().String(),
		AuthorName:     req.Name,
		Body:           req.Body,
		Timestamp:      s.now(),
		Sender:         chat.Visitor,
	}

	s.mu.Lock()
	s.conversations[first.ConversationID] = []chat.Message{first}
	s.mu.Unlock()

	s.logger.Info().Str("conversation", first.ConversationID).Str("name", req.Name).Msg("conversation started")
	s.scheduleReply(first)
	return protocol.EncodeMessage(first)
}

func (s *Service) handleNewMessage(data []byte) ([]byte, error) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return nil, err
	}

	msg.MessageID = uuid.New().String()
	msg.Timestamp = s.now()
	if err := s.append(msg); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("conversation", msg.ConversationID).Str("message", msg.MessageID).Msg("message stored")
	if msg.Sender == chat.Visitor {
		s.scheduleReply(msg)
	}
	return protocol.EncodeMessage(msg)
}

func (s *Service) handleLoad(data []byte) ([]byte, error) {
	id, err := protocol.DecodeConversationID(data)
	if err != nil {
		return nil, err
	}
	msgs, _ := s.Conversation(id)
	return protocol.EncodeMessageList(msgs)
}

func (s *Service) append(msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[msg.ConversationID]
	if !ok {
		return errors.Wrapf(ErrUnknownConversation, "fakebackend: %s", msg.ConversationID)
	}
	s.conversations[msg.ConversationID] = append(msgs, msg)
	return nil
}

// scheduleReply pushes an agent answer to to's conversation after the
// configured delay.
func (s *Service) scheduleReply(to chat.Message) {
	if !s.config.AutoReply {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		timer := time.NewTimer(s.config.ReplyDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		reply := chat.Message{
			ConversationID: to.ConversationID,
			MessageID:      uuid.New().String(),
			AuthorName:     s.config.AgentName,
			Body:           "Thanks " + to.AuthorName + ", we received: " + to.Body,
			Timestamp:      s.now(),
			Sender:         chat.Agent,
		}
		if err := s.append(reply); err != nil {
			s.logger.Warn().Err(err).Msg("auto reply not stored")
			return
		}

		data, err := protocol.EncodeMessage(reply)
		if err != nil {
			s.logger.Error().Err(err).Msg("auto reply not encoded")
			return
		}
		if err := s.bus.Publish(s.config.Queues.InboundDelivery, data); err != nil {
			s.logger.Error().Err(err).Str("conversation", reply.ConversationID).Msg("auto reply not published")
		}
	}()
}
