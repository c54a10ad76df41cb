// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var (
	ErrNotConnected  = errors.New("push channel is not connected")
	ErrChannelClosed = errors.New("push channel is closed")
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
)

// DialFunc matches (*websocket.Dialer).DialContext.
type DialFunc func(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)

type ClientOptions struct {
	// URL of the websocket endpoint, without the session query.
	URL    string
	UserId string
	Token  string

	// ReconnectAttempts bounds the retries made after a failed dial or a
	// connection that dropped before it was healthy.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Dial     DialFunc
	Logger   *slog.Logger
	OnStatus func(Status)
}

// Client is the session's push channel: one websocket connection, re-dialled
// with a bounded policy when it drops.
type Client struct {
	opts ClientOptions
	log  *slog.Logger

	// Inbound events, in the order they were read.
	events chan Event

	// Buffered channel of outbound messages.
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  Status
	conn    *websocket.Conn
	running bool
	closed  bool
	wg      sync.WaitGroup
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.UserId == "" {
		return nil, ErrNoSession
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("parse push channel url: %w", err)
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Dial == nil {
		opts.Dial = websocket.DefaultDialer.DialContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    logger.With("component", "push", "user_id", opts.UserId),
		events: make(chan Event, 256),
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		status: StatusIdle,
	}, nil
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Open starts connecting. It is a no-op while a connection loop is running,
// and re-opens a channel whose retries were exhausted.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.running {
		return nil
	}
	c.running = true
	c.wg.Add(1)
	go c.run()
	return nil
}

// Send queues m for delivery. There is no local echo and no resend after a
// reconnect.
func (c *Client) Send(m OutgoingMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	payload, err := json.Marshal(Envelope{Event: EventSendMessage, Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.status != StatusConnected || c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("outbound queue full: %w", ErrNotConnected)
	}
}

// Close tears down the connection. Events are no longer produced once Close
// returns.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.setStatus(StatusClosed)
	return nil
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status || (c.closed && status != StatusClosed) {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	c.log.Info("push channel status", "status", status)
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(status)
	}
}

func (c *Client) endpoint() string {
	u, _ := url.Parse(c.opts.URL)
	q := u.Query()
	q.Set("userId", c.opts.UserId)
	u.RawQuery = q.Encode()
	return u.String()
}

// run keeps one connection alive. A connection that drops before it proved
// healthy costs one retry, so a backend that accepts the handshake and then
// hangs up cannot keep the loop going forever.
func (c *Client) run() {
	defer c.wg.Done()

	remaining := c.opts.ReconnectAttempts
	for {
		c.setStatus(StatusConnecting)
		conn, retries, err := c.connect(remaining)
		remaining -= retries
		if err != nil {
			if c.ctx.Err() != nil {
				c.stopped()
				return
			}
			c.giveUp("unable to connect, giving up", err)
			return
		}

		healthy, err := c.serve(conn)
		switch {
		case c.ctx.Err() != nil:
			c.stopped()
			return
		case err != nil:
			c.giveUp("session rejected by server, giving up", err)
			return
		case healthy:
			remaining = c.opts.ReconnectAttempts
		case remaining == 0:
			c.giveUp("connection keeps dropping, giving up", errors.New("retries exhausted"))
			return
		default:
			remaining--
		}

		c.log.Warn("connection lost, reconnecting", "retry_in", c.opts.ReconnectDelay, "retries_left", remaining)
		c.setStatus(StatusConnecting)
		if !c.pause() {
			c.stopped()
			return
		}
	}
}

// stopped lets Open start a new connection loop.
func (c *Client) stopped() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// giveUp marks the channel disconnected and lets Open start over. Both happen
// under one lock so that a concurrent Open is never overwritten.
func (c *Client) giveUp(msg string, err error) {
	c.log.Error(msg, "error", err)

	c.mu.Lock()
	changed := !c.closed && c.status != StatusDisconnected
	if changed {
		c.status = StatusDisconnected
	}
	c.running = false
	c.mu.Unlock()

	if changed {
		c.log.Info("push channel status", "status", StatusDisconnected)
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(StatusDisconnected)
		}
	}
}

// pause waits ReconnectDelay and reports false when the client was closed
// meanwhile.
func (c *Client) pause() bool {
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// connect dials once, then retries up to maxRetries times with a fixed delay.
// Rejected credentials are not retried. It reports how many retries it used.
func (c *Client) connect(maxRetries int) (*websocket.Conn, int, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ReconnectDelay), uint64(maxRetries)),
		c.ctx,
	)

	var (
		conn  *websocket.Conn
		dials int
	)
	operation := func() error {
		dials++
		ws, resp, err := c.opts.Dial(c.ctx, c.endpoint(), header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("session rejected (%d): %w", resp.StatusCode, err))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("dial failed", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	retries := dials - 1
	if retries < 0 {
		retries = 0
	}
	if err != nil {
		return nil, retries, err
	}
	return conn, retries, nil
}

// serve pumps conn until it drops. The connection counts as healthy once it
// delivered a frame or stayed up for a ping period. A close that rejects the
// session is returned as an error.
func (c *Client) serve(conn *websocket.Conn) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false, nil
	}
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(StatusConnected)

	started := time.Now()
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, done)
	}()

	frames, err := c.readPump(conn)
	close(done)
	<-writerDone

	c.mu.Lock()
	c.conn = nil
	dropped := 0
	for len(c.send) > 0 {
		<-c.send
		dropped++
	}
	c.mu.Unlock()
	if dropped > 0 {
		c.log.Warn("discarded unsent messages", "count", dropped)
	}

	if rejectsSession(err) {
		return false, err
	}
	return frames > 0 || time.Since(started) >= pingPeriod, nil
}

// rejectsSession reports whether the server closed with a policy violation or
// an application code, which a new dial would only repeat.
func rejectsSession(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.ClosePolicyViolation || (closeErr.Code >= 4000 && closeErr.Code < 5000)
}

// readPump pumps envelopes from the websocket connection to the events channel.
//
// There is at most one reader on a connection; it runs on the goroutine that
// owns the connection.
func (c *Client) readPump(conn *websocket.Conn) (int, error) {
	defer func() {
		if err := conn.Close(); err != nil {
			c.log.Debug("could not close network connection", "error", err)
		}
	}()
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("unable to set read deadline", "error", err)
		return 0, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	frames := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.log.Warn("read failed", "error", err)
			}
			return frames, err
		}
		frames++
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, ok := decodeEvent(payload)
		if !ok {
			c.log.Warn("could not process envelope", "size", len(payload))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return frames, c.ctx.Err()
		}
	}
}

// writePump pumps queued messages to the websocket connection.
//
// A writePump runs for each connection and is its only writer.
func (c *Client) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeEvent(payload []byte) (Event, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
		return Event{}, false
	}

	ev := Event{Name: env.Event}
	switch env.Event {
	case EventReceiveMessage:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err == nil {
			ev.Message = &m
		}
	case EventMessageError:
		ev.Error = errorText(env.Data)
	}
	return ev, true
}

// errorText extracts a description from a string or {message|error} payload.
func errorText(data json.RawMessage) string {
	if len(data) == 0 {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(data)
}

// WebsocketURL derives the push channel endpoint from the backend's HTTP base.
func WebsocketURL(base *url.URL, path string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	u.RawQuery = ""
	return u.String()
}
