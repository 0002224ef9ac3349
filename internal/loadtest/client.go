// Package loadtest drives a running relay the way browsers do: visitors open
// a conversation over HTTP, attach a WebSocket to it and exchange messages.
// It records per-connection latencies for the load test binary.
package loadtest

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
)

// ErrClosed is returned when the connection ended while waiting for a frame.
var ErrClosed = errors.New("loadtest: connection closed")

// Metrics tracks per-connection performance counters.
type Metrics struct {
	ConnectLatency time.Duration
	MsgLatencies   []time.Duration
	Received       int
	Errors         int
}

// Client is a single simulated visitor connection.
type Client struct {
	ConversationID string

	conn     net.Conn
	writeMu  sync.Mutex
	incoming chan chat.Message
	done     chan struct{}

	mu        sync.Mutex
	metrics   Metrics
	closeOnce sync.Once
}

// Dial connects to the relay's WebSocket endpoint at wsURL, attaching
// conversationID under key (the relay's default is "chatId").
func Dial(ctx context.Context, wsURL, key, conversationID string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, errors.Wrap(err, "loadtest: parse url")
	}
	if conversationID != "" {
		q := u.Query()
		q.Set(key, conversationID)
		u.RawQuery = q.Encode()
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, errors.Wrapf(err, "loadtest: dial %s", u.Redacted())
	}

	c := &Client{
		ConversationID: conversationID,
		conn:           conn,
		incoming:       make(chan chat.Message, 256),
		done:           make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		m, err := protocol.DecodeMessage(data)
		if err != nil {
			c.addError()
			continue
		}

		c.mu.Lock()
		c.metrics.Received++
		c.mu.Unlock()

		select {
		case c.incoming <- m:
		default:
			c.addError()
		}
	}
}

// Next returns the next message delivered on the connection: replayed
// history, pushed backend messages and replies alike.
func (c *Client) Next(ctx context.Context) (chat.Message, error) {
	select {
	case m := <-c.incoming:
		return m, nil
	case <-c.done:
		// drain anything that arrived before the close
		select {
		case m := <-c.incoming:
			return m, nil
		default:
			return chat.Message{}, ErrClosed
		}
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
}

// Send writes a visitor message and waits for the relay's answer to it. Other
// deliveries arriving in between are skipped.
func (c *Client) Send(ctx context.Context, author, body string) (chat.Message, error) {
	data, err := protocol.EncodeMessage(chat.Message{
		ConversationID: c.ConversationID,
		AuthorName:     author,
		Body:           body,
		Timestamp:      time.Now().UTC(),
		Sender:         chat.Visitor,
	})
	if err != nil {
		return chat.Message{}, err
	}

	start := time.Now()
	c.writeMu.Lock()
	err = wsutil.WriteClientText(c.conn, data)
	c.writeMu.Unlock()
	if err != nil {
		c.addError()
		return chat.Message{}, errors.Wrap(err, "loadtest: write")
	}

	for {
		m, err := c.Next(ctx)
		if err != nil {
			c.addError()
			return chat.Message{}, err
		}
		if m.Body != body && !m.IsSynthesized() {
			continue
		}

		c.mu.Lock()
		c.metrics.MsgLatencies = append(c.metrics.MsgLatencies, time.Since(start))
		if m.IsSynthesized() {
			c.metrics.Errors++
		}
		c.mu.Unlock()
		return m, nil
	}
}

// Metrics returns a snapshot of the connection's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.MsgLatencies = append([]time.Duration(nil), c.metrics.MsgLatencies...)
	return m
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) addError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// StartConversation opens a conversation through the relay's HTTP endpoint at
// baseURL (for example http://localhost:8080).
func StartConversation(ctx context.Context, httpClient *http.Client, baseURL string, req chat.ContactRequest) (chat.Message, error) {
	payload, err := protocol.EncodeContact(req)
	if err != nil {
		return chat.Message{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/contact/create", bytes.NewReader(payload))
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "loadtest: build create request")
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(hreq)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "loadtest: create")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "loadtest: read create response")
	}
	if resp.StatusCode != http.StatusCreated {
		return chat.Message{}, errors.Errorf("loadtest: create returned %d", resp.StatusCode)
	}
	m, err := protocol.DecodeMessage(body)
	if err != nil {
		return chat.Message{}, err
	}
	if m.IsSynthesized() {
		return m, errors.Errorf("loadtest: create failed: %s", m.Body)
	}
	return m, nil
}
