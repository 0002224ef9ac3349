package fakebackend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalMal-ContactMe/contact-form/internal/breaker"
	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/messaging"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
	"github.com/TalMal-ContactMe/contact-form/internal/registry"
	"github.com/TalMal-ContactMe/contact-form/internal/relay"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	s := natstest.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)
	return s
}

func newClient(t *testing.T, s *server.Server) *messaging.Client {
	t.Helper()
	cfg := messaging.DefaultConfig()
	cfg.URL = s.ClientURL()
	cfg.RequestTimeout = time.Second
	c, err := messaging.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func startService(t *testing.T, s *server.Server, cfg Config) *Service {
	t.Helper()
	bus := newClient(t, s)
	svc := NewService(bus, cfg)
	require.NoError(t, svc.Start())
	require.NoError(t, bus.Flush())
	t.Cleanup(svc.Stop)
	return svc
}

func request(t *testing.T, c *messaging.Client, queue string, payload []byte) []byte {
	t.Helper()
	reply, err := c.Request(context.Background(), queue, payload)
	require.NoError(t, err)
	return reply
}

func TestService_StartSendLoad(t *testing.T) {
	s := runServer(t)
	svc := startService(t, s, Config{})
	client := newClient(t, s)

	payload, err := protocol.EncodeContact(chat.ContactRequest{Name: "Dana", Email: "dana@example.com", Body: "Hi there"})
	require.NoError(t, err)
	first, err := protocol.DecodeMessage(request(t, client, messaging.QueueStartChat, payload))
	require.NoError(t, err)

	assert.NotEmpty(t, first.ConversationID)
	assert.NotEmpty(t, first.MessageID)
	assert.Equal(t, "Dana", first.AuthorName)
	assert.Equal(t, "Hi there", first.Body)
	assert.Equal(t, chat.Visitor, first.Sender)

	payload, err = protocol.EncodeMessage(chat.Message{
		ConversationID: first.ConversationID,
		AuthorName:     "Dana",
		Body:           "Follow-up",
		Sender:         chat.Visitor,
	})
	require.NoError(t, err)
	second, err := protocol.DecodeMessage(request(t, client, messaging.QueueNewMessage, payload))
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.NotEmpty(t, second.MessageID)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.False(t, second.Timestamp.IsZero())

	payload, err = protocol.EncodeConversationID(first.ConversationID)
	require.NoError(t, err)
	history, err := protocol.DecodeMessageList(request(t, client, messaging.QueueLoadChat, payload))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hi there", history[0].Body)
	assert.Equal(t, "Follow-up", history[1].Body)

	stored, ok := svc.Conversation(first.ConversationID)
	require.True(t, ok)
	assert.Len(t, stored, 2)
}

func TestService_LoadUnknownIsEmptyList(t *testing.T) {
	s := runServer(t)
	startService(t, s, Config{})
	client := newClient(t, s)

	payload, err := protocol.EncodeConversationID("nope")
	require.NoError(t, err)
	reply := request(t, client, messaging.QueueLoadChat, payload)
	assert.JSONEq(t, `[]`, string(reply))
}

func TestService_UnknownConversationGetsNoReply(t *testing.T) {
	s := runServer(t)
	startService(t, s, Config{})
	client := newClient(t, s)

	payload, err := protocol.EncodeMessage(chat.Message{ConversationID: "nope", AuthorName: "Dana", Body: "hello", Sender: chat.Visitor})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.Request(ctx, messaging.QueueNewMessage, payload)
	assert.Error(t, err)
}

func TestService_AutoReplyIsPublished(t *testing.T) {
	s := runServer(t)
	startService(t, s, Config{AutoReply: true, AgentName: "Agent Smith", ReplyDelay: 10 * time.Millisecond})
	client := newClient(t, s)

	pushed := make(chan []byte, 1)
	require.NoError(t, client.Subscribe(messaging.QueueInboundDelivery, func(data []byte) { pushed <- data }))
	require.NoError(t, client.Flush())

	payload, err := protocol.EncodeContact(chat.ContactRequest{Name: "Dana", Email: "dana@example.com", Body: "Hi"})
	require.NoError(t, err)
	first, err := protocol.DecodeMessage(request(t, client, messaging.QueueStartChat, payload))
	require.NoError(t, err)

	select {
	case data := <-pushed:
		reply, err := protocol.DecodeMessage(data)
		require.NoError(t, err)
		assert.Equal(t, first.ConversationID, reply.ConversationID)
		assert.Equal(t, chat.Agent, reply.Sender)
		assert.Equal(t, "Agent Smith", reply.AuthorName)
	case <-time.After(2 * time.Second):
		t.Fatal("no auto reply pushed")
	}
}

type captureConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *captureConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// The relay engine and the simulator talking through a real broker.
func TestRelayAgainstService(t *testing.T) {
	s := runServer(t)
	startService(t, s, Config{AutoReply: true, ReplyDelay: 200 * time.Millisecond})

	bus := newClient(t, s)
	br := breaker.New(breaker.Config{Name: "backend", Timeout: time.Second, FailureThreshold: 3, Cooldown: time.Second})
	engine := relay.New(bus, registry.New(), br)
	require.NoError(t, engine.Attach(bus))
	require.NoError(t, bus.Flush())

	ctx := context.Background()
	first := engine.StartConversation(ctx, chat.ContactRequest{Name: "Dana", Email: "dana@example.com", Body: "Hello"})
	require.False(t, first.IsSynthesized(), "unexpected fallback: %s", first.Body)

	conn := &captureConn{}
	engine.OnConnectionOpened(ctx, conn, first.ConversationID)

	// The replayed first message, then the pushed agent reply.
	require.Eventually(t, func() bool { return len(conn.Frames()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	frames := conn.Frames()

	replayed, err := protocol.DecodeMessage(frames[0])
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, replayed.MessageID)

	pushed, err := protocol.DecodeMessage(frames[1])
	require.NoError(t, err)
	assert.Equal(t, chat.Agent, pushed.Sender)
	assert.Equal(t, first.ConversationID, pushed.ConversationID)

	sent := engine.SendMessage(ctx, chat.Message{ConversationID: first.ConversationID, AuthorName: "Dana", Body: "Thanks", Sender: chat.Visitor})
	assert.False(t, sent.IsSynthesized())
	assert.Equal(t, "Thanks", sent.Body)
}
