package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalMal-ContactMe/contact-form/internal/breaker"
	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/deadletter"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
	"github.com/TalMal-ContactMe/contact-form/internal/ratelimit"
	"github.com/TalMal-ContactMe/contact-form/internal/registry"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type gatewayCall struct {
	queue   string
	payload string
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []gatewayCall
	respond func(ctx context.Context, queue string, payload []byte) ([]byte, error)
}

func (g *fakeGateway) Request(ctx context.Context, queue string, payload []byte) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{queue: queue, payload: string(payload)})
	respond := g.respond
	g.mu.Unlock()
	return respond(ctx, queue, payload)
}

func (g *fakeGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

func hangUntilCancelled(ctx context.Context, _ string, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Messages(t *testing.T) []chat.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.DecodeMessage(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (d *fakeDeadLetters) Create(_ context.Context, rec *deadletter.Record) error {
	d.mu.Lock()
	d.records = append(d.records, *rec)
	d.mu.Unlock()
	return nil
}

func (d *fakeDeadLetters) Reasons() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, r := range d.records {
		out = append(out, r.Reason)
	}
	return out
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, nil
}

type fakeSubscriber struct {
	queue   string
	handler func([]byte)
}

func (s *fakeSubscriber) Subscribe(queue string, handler func([]byte)) error {
	s.queue = queue
	s.handler = handler
	return nil
}

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func testBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name:             "test",
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         150 * time.Millisecond,
	})
}

func newEngine(gw *fakeGateway, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(gw, registry.New(), testBreaker(), opts...)
}

func encode(t *testing.T, m chat.Message) []byte {
	t.Helper()
	data, err := protocol.EncodeMessage(m)
	require.NoError(t, err)
	return data
}

func validContact() chat.ContactRequest {
	return chat.ContactRequest{Name: "Dana", Email: "dana@example.com", Body: "Hi, I have a question"}
}

func visitorMessage() chat.Message {
	return chat.Message{
		ConversationID: "abc",
		AuthorName:     "Dana",
		Body:           "Is anyone there?",
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		Sender:         chat.Visitor,
	}
}

// ---------------------------------------------------------------------------
// StartConversation
// ---------------------------------------------------------------------------

func TestStartConversation_ReturnsBackendReplyUnmodified(t *testing.T) {
	backendReply := chat.Message{
		ConversationID: "conv-42",
		MessageID:      "msg-1",
		AuthorName:     "Dana",
		Body:           "Hi, I have a question",
		Timestamp:      time.Unix(1_700_000_100, 0).UTC(),
		Sender:         chat.Visitor,
	}
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return encode(t, backendReply), nil
	}}
	e := newEngine(gw)

	got := e.StartConversation(context.Background(), validContact())
	assert.Equal(t, backendReply, got)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "start-chat", calls[0].queue)
	assert.JSONEq(t, `{"name":"Dana","email":"dana@example.com","message":"Hi, I have a question"}`, calls[0].payload)
}

func TestStartConversation_BrokerFailure(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("nats: no responders available for request")
	}}
	e := newEngine(gw)

	got := e.StartConversation(context.Background(), validContact())
	assert.Equal(t, chat.CommunicationError, got.ConversationID)
	assert.Equal(t, chat.CommunicationError, got.MessageID)
	assert.Equal(t, chat.Visitor, got.Sender)
	assert.Equal(t, "Dana", got.AuthorName)
	assert.Contains(t, got.Body, "no responders")
	assert.Equal(t, fixedNow, got.Timestamp)
}

func TestStartConversation_UnparseableReplyFallsBack(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return []byte(`<html>`), nil
	}}
	e := newEngine(gw)

	got := e.StartConversation(context.Background(), validContact())
	assert.Equal(t, chat.CommunicationError, got.MessageID)
	assert.Contains(t, got.Body, "backend reply")
}

func TestStartConversation_InvalidRequestSkipsBroker(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		t.Fatal("broker must not be called")
		return nil, nil
	}}
	e := newEngine(gw)

	got := e.StartConversation(context.Background(), chat.ContactRequest{Name: "Dana", Email: "nope", Body: "hi"})
	assert.Equal(t, chat.Invalid, got.ConversationID)
	assert.Equal(t, chat.Invalid, got.MessageID)
	assert.Equal(t, "Dana", got.AuthorName)
	assert.Empty(t, gw.Calls())
}

// ---------------------------------------------------------------------------
// SendMessage
// ---------------------------------------------------------------------------

func TestSendMessage_Success(t *testing.T) {
	gw := &fakeGateway{respond: func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		m, err := protocol.DecodeMessage(payload)
		require.NoError(t, err)
		m.MessageID = "msg-9"
		return protocol.EncodeMessage(m)
	}}
	e := newEngine(gw)

	got := e.SendMessage(context.Background(), visitorMessage())
	assert.Equal(t, "msg-9", got.MessageID)
	assert.Equal(t, "abc", got.ConversationID)
	assert.Equal(t, "new-message", gw.Calls()[0].queue)
}

func TestSendMessage_FailurePreservesConversationAuthorAndSender(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("broker down")
	}}
	e := newEngine(gw)

	in := visitorMessage()
	in.MessageID = "client-draft"
	in.Sender = chat.Agent

	got := e.SendMessage(context.Background(), in)
	assert.Equal(t, in.ConversationID, got.ConversationID)
	assert.Equal(t, in.AuthorName, got.AuthorName)
	assert.Equal(t, in.Sender, got.Sender)
	assert.Equal(t, chat.CommunicationError, got.MessageID)
	assert.Contains(t, got.Body, "broker down")
}

func TestSendMessage_InvalidBodySkipsBroker(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		t.Fatal("broker must not be called")
		return nil, nil
	}}
	e := newEngine(gw)

	in := visitorMessage()
	in.Body = "   "
	got := e.SendMessage(context.Background(), in)
	assert.Equal(t, chat.Invalid, got.MessageID)
	assert.Equal(t, "abc", got.ConversationID)

	in = visitorMessage()
	in.ConversationID = ""
	got = e.SendMessage(context.Background(), in)
	assert.Equal(t, chat.Invalid, got.ConversationID)
	assert.Equal(t, chat.Invalid, got.MessageID)

	assert.Empty(t, gw.Calls())
}

func TestSendMessage_RateLimited(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		t.Fatal("broker must not be called")
		return nil, nil
	}}
	e := newEngine(gw, WithLimiter(fakeLimiter{allow: false}, ratelimit.RuleMessage))

	got := e.SendMessage(context.Background(), visitorMessage())
	assert.Equal(t, chat.RateLimited, got.MessageID)
	assert.Equal(t, "abc", got.ConversationID)
	assert.Empty(t, gw.Calls())
}

// ---------------------------------------------------------------------------
// Open breaker: bounded, no broker call, CommunicationError
// ---------------------------------------------------------------------------

func TestOpenBreaker_FailsFastWithoutBrokerCall(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("unreachable")
	}}
	e := newEngine(gw)

	for i := 0; i < 3; i++ {
		e.SendMessage(context.Background(), visitorMessage())
	}
	require.Len(t, gw.Calls(), 3)

	start := time.Now()
	started := e.StartConversation(context.Background(), validContact())
	sent := e.SendMessage(context.Background(), visitorMessage())
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	assert.Equal(t, chat.CommunicationError, started.MessageID)
	assert.Equal(t, chat.CommunicationError, sent.MessageID)
	assert.Len(t, gw.Calls(), 3, "open breaker must not reach the broker")
}

// Scenario C: three consecutive timeouts trip the breaker, the fourth call is
// short-circuited, and after the cooldown one probe reaches the broker.
func TestTimeouts_TripBreakerThenProbe(t *testing.T) {
	var hang atomic.Bool
	hang.Store(true)
	gw := &fakeGateway{}
	gw.respond = func(ctx context.Context, queue string, payload []byte) ([]byte, error) {
		if hang.Load() {
			return hangUntilCancelled(ctx, queue, payload)
		}
		m, _ := protocol.DecodeMessage(payload)
		m.MessageID = "probe-ok"
		return protocol.EncodeMessage(m)
	}
	e := newEngine(gw)

	for i := 0; i < 3; i++ {
		got := e.SendMessage(context.Background(), visitorMessage())
		require.Equal(t, chat.CommunicationError, got.MessageID)
	}
	require.Len(t, gw.Calls(), 3)

	got := e.SendMessage(context.Background(), visitorMessage())
	assert.Equal(t, chat.CommunicationError, got.MessageID)
	assert.Len(t, gw.Calls(), 3)

	time.Sleep(200 * time.Millisecond)
	hang.Store(false)

	got = e.SendMessage(context.Background(), visitorMessage())
	assert.Equal(t, "probe-ok", got.MessageID)
	assert.Len(t, gw.Calls(), 4)
}

// Visitors abandoning slow requests leave the breaker closed for everyone.
func TestSendMessage_CallerAbortsDoNotTripBreaker(t *testing.T) {
	gw := &fakeGateway{respond: func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		m, _ := protocol.DecodeMessage(payload)
		m.MessageID = "stored"
		return protocol.EncodeMessage(m)
	}}
	e := newEngine(gw)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		got := e.SendMessage(ctx, visitorMessage())
		cancel()
		assert.Equal(t, chat.CommunicationError, got.MessageID)
	}

	got := e.SendMessage(context.Background(), visitorMessage())
	assert.Equal(t, "stored", got.MessageID)
	assert.Len(t, gw.Calls(), 4)
	assert.Equal(t, breaker.StateClosed, e.breaker.State())
}

// ---------------------------------------------------------------------------
// LoadConversation
// ---------------------------------------------------------------------------

func historyReply(t *testing.T, msgs ...chat.Message) []byte {
	t.Helper()
	data, err := protocol.EncodeMessageList(msgs)
	require.NoError(t, err)
	return data
}

func TestLoadConversation_BlankIDQueriesInvalid(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return []byte(`[]`), nil
	}}
	e := newEngine(gw)

	for range e.LoadConversation(context.Background(), "") {
		t.Fatal("expected no messages")
	}

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "load-chat", calls[0].queue)
	assert.Equal(t, `"Invalid"`, calls[0].payload)
}

func TestLoadConversation_LazyAndSingleUse(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return historyReply(t,
			chat.Message{ConversationID: "abc", MessageID: "1", Timestamp: time.Unix(10, 0).UTC()},
		), nil
	}}
	e := newEngine(gw)

	seq := e.LoadConversation(context.Background(), "abc")
	assert.Empty(t, gw.Calls(), "no request before iteration")

	n := 0
	for range seq {
		n++
	}
	assert.Equal(t, 1, n)

	for range seq {
		t.Fatal("sequence must not restart")
	}
	assert.Len(t, gw.Calls(), 1)
}

func TestLoadConversation_UnparseableReply(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return []byte(`{"oops":`), nil
	}}
	dl := &fakeDeadLetters{}
	e := newEngine(gw, WithDeadLetters(dl))

	n := 0
	for range e.LoadConversation(context.Background(), "abc") {
		n++
	}
	assert.Zero(t, n)
	assert.Equal(t, []string{deadletter.ReasonUnparseableHistory}, dl.Reasons())
}

func TestLoadConversation_BackendDown(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("timeout")
	}}
	e := newEngine(gw)

	n := 0
	for range e.LoadConversation(context.Background(), "abc") {
		n++
	}
	assert.Zero(t, n)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Scenario A: history is replayed in order over the opening connection.
func TestOnConnectionOpened_ReplaysHistoryInOrder(t *testing.T) {
	t1 := time.Unix(1_700_000_000, 0).UTC()
	t2 := t1.Add(time.Minute)
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return historyReply(t,
			chat.Message{ConversationID: "abc", MessageID: "1", Body: "first", Timestamp: t1, Sender: chat.Visitor},
			chat.Message{ConversationID: "abc", MessageID: "2", Body: "second", Timestamp: t2, Sender: chat.Agent},
		), nil
	}}
	e := newEngine(gw)
	conn := &fakeConn{}

	e.OnConnectionOpened(context.Background(), conn, "abc")

	got := conn.Messages(t)
	require.Len(t, got, 2)
	assert.Equal(t, t1, got[0].Timestamp)
	assert.Equal(t, t2, got[1].Timestamp)

	registered, ok := e.Registry().Get("abc")
	require.True(t, ok)
	assert.Same(t, conn, registered)
}

func TestOnConnectionOpened_RegistersBeforeReplay(t *testing.T) {
	var e *Engine
	gw := &fakeGateway{}
	gw.respond = func(context.Context, string, []byte) ([]byte, error) {
		// A push racing the replay must already find the viewer.
		_, ok := e.Registry().Get("abc")
		assert.True(t, ok)
		return []byte(`[]`), nil
	}
	e = newEngine(gw)

	e.OnConnectionOpened(context.Background(), &fakeConn{}, "abc")
}

func TestOnConnectionOpened_BlankIDNotRegistered(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return []byte(`[]`), nil
	}}
	e := newEngine(gw)

	e.OnConnectionOpened(context.Background(), &fakeConn{}, "  ")

	assert.Zero(t, e.Registry().Count())
	assert.Equal(t, `"Invalid"`, gw.Calls()[0].payload)
}

func TestOnConnectionClosed_KeepsNewerConnection(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return []byte(`[]`), nil
	}}
	e := newEngine(gw)
	oldTab, newTab := &fakeConn{}, &fakeConn{}

	e.OnConnectionOpened(context.Background(), oldTab, "abc")
	e.OnConnectionOpened(context.Background(), newTab, "abc")
	e.OnConnectionClosed(oldTab, "abc")

	got, ok := e.Registry().Get("abc")
	require.True(t, ok)
	assert.Same(t, newTab, got)

	e.OnConnectionClosed(newTab, "abc")
	_, ok = e.Registry().Get("abc")
	assert.False(t, ok)
}

// A connection that drops between registration and replay must not be left
// registered by the replay.
func TestReplayHistory_AfterCloseLeavesRegistryEmpty(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		return historyReply(t, visitorMessage()), nil
	}}
	e := newEngine(gw)
	conn := &fakeConn{err: errors.New("use of closed network connection")}

	e.RegisterConnection(conn, "abc")
	require.Equal(t, 1, e.Registry().Count())
	e.OnConnectionClosed(conn, "abc")
	e.ReplayHistory(context.Background(), conn, "abc")

	assert.Zero(t, e.Registry().Count())
	_, ok := e.Registry().Get("abc")
	assert.False(t, ok)
}

func TestOnClientTextFrame_RepliesOnSameConnection(t *testing.T) {
	gw := &fakeGateway{respond: func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		return payload, nil
	}}
	e := newEngine(gw)
	viewer := &fakeConn{}
	sender := &fakeConn{}
	e.Registry().Put("abc", viewer)

	e.OnClientTextFrame(context.Background(), sender, encode(t, visitorMessage()))

	assert.Len(t, sender.Messages(t), 1)
	assert.Empty(t, viewer.Messages(t))
}

func TestOnClientTextFrame_UndecodableFrame(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, string, []byte) ([]byte, error) {
		t.Fatal("broker must not be called")
		return nil, nil
	}}
	e := newEngine(gw)
	conn := &fakeConn{}

	e.OnClientTextFrame(context.Background(), conn, []byte(`{"conversationId":`))

	got := conn.Messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, chat.Invalid, got[0].ConversationID)
	assert.Equal(t, chat.Invalid, got[0].MessageID)
}

// ---------------------------------------------------------------------------
// OnBrokerPush
// ---------------------------------------------------------------------------

func TestOnBrokerPush_DeliversToRegisteredConnection(t *testing.T) {
	e := newEngine(&fakeGateway{})
	conn := &fakeConn{}
	e.Registry().Put("abc", conn)

	push := chat.Message{ConversationID: "abc", MessageID: "m", Body: "reply", Timestamp: time.Unix(5, 0).UTC(), Sender: chat.Agent}
	e.OnBrokerPush(encode(t, push))

	got := conn.Messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, push, got[0])
}

func TestOnBrokerPush_NoViewerIsDropped(t *testing.T) {
	dl := &fakeDeadLetters{}
	e := newEngine(&fakeGateway{}, WithDeadLetters(dl))
	other := &fakeConn{}
	e.Registry().Put("other", other)

	assert.NotPanics(t, func() {
		e.OnBrokerPush(encode(t, chat.Message{ConversationID: "abc", Sender: chat.Agent}))
	})

	assert.Equal(t, 1, e.Registry().Count())
	got, ok := e.Registry().Get("other")
	require.True(t, ok)
	assert.Same(t, other, got)
	assert.Empty(t, other.Messages(t))
	assert.Equal(t, []string{deadletter.ReasonNoViewer}, dl.Reasons())
}

func TestOnBrokerPush_MalformedPayload(t *testing.T) {
	dl := &fakeDeadLetters{}
	e := newEngine(&fakeGateway{}, WithDeadLetters(dl))

	e.OnBrokerPush([]byte(`not json`))

	assert.Equal(t, []string{deadletter.ReasonMalformedPush}, dl.Reasons())
}

func TestOnBrokerPush_WriteFailureLeavesRegistry(t *testing.T) {
	e := newEngine(&fakeGateway{})
	broken := &fakeConn{err: errors.New("broken pipe")}
	e.Registry().Put("abc", broken)

	e.OnBrokerPush(encode(t, chat.Message{ConversationID: "abc", Sender: chat.Agent}))

	_, ok := e.Registry().Get("abc")
	assert.True(t, ok)
}

func TestAttach_SubscribesInboundDelivery(t *testing.T) {
	e := newEngine(&fakeGateway{})
	sub := &fakeSubscriber{}
	conn := &fakeConn{}
	e.Registry().Put("abc", conn)

	require.NoError(t, e.Attach(sub))
	assert.Equal(t, "inbound-delivery", sub.queue)

	sub.handler(encode(t, chat.Message{ConversationID: "abc", Sender: chat.Agent}))
	assert.Len(t, conn.Messages(t), 1)
}
