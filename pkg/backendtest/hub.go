// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backendtest

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"

	"chatClient/pkg/api"

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

// delivery is a payload for every connection of the listed users.
type delivery struct {
	userIds []string
	payload []byte
}

type countRequest struct {
	userId string
	reply  chan int
}

// Hub maintains the set of active connections, keyed by user id.
type Hub struct {
	// Registered peers.
	peers map[string][]*peer

	// Register requests from the peers.
	register chan *peer

	// Unregister requests from peers.
	unregister chan *peer

	// Outbound payloads to specified users.
	send chan delivery

	// Requests to close every connection.
	drop chan struct{}

	count chan countRequest
	quit  chan struct{}
	log   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		peers:      make(map[string][]*peer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		send:       make(chan delivery),
		drop:       make(chan struct{}),
		count:      make(chan countRequest),
		quit:       make(chan struct{}),
		log:        logger,
	}
}

// remove detaches p and closes its send channel. It reports whether p was
// registered.
func (h *Hub) remove(p *peer) bool {
	peers := h.peers[p.userId]
	for i := range peers {
		if peers[i] == p {
			last := len(peers) - 1
			peers[i] = peers[last]
			peers[last] = nil
			peers = peers[:last]
			if len(peers) == 0 {
				delete(h.peers, p.userId)
			} else {
				h.peers[p.userId] = peers
			}
			close(p.send)
			return true
		}
	}
	return false
}

func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.peers[p.userId] = append(h.peers[p.userId], p)
		case p := <-h.unregister:
			h.remove(p)
		case d := <-h.send:
			for _, userId := range d.userIds {
				for _, p := range append([]*peer(nil), h.peers[userId]...) {
					select {
					case p.send <- d.payload:
					default:
						h.log.Warn("dropping slow peer", "user_id", userId)
						h.remove(p)
					}
				}
			}
		case <-h.drop:
			for _, peers := range h.peers {
				for _, p := range append([]*peer(nil), peers...) {
					_ = p.conn.Close()
					h.remove(p)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.peers[req.userId])
		case <-h.quit:
			for _, peers := range h.peers {
				for _, p := range append([]*peer(nil), peers...) {
					_ = p.conn.Close()
					h.remove(p)
				}
			}
			return
		}
	}
}

// Deliver queues payload for every connection of userIds.
func (h *Hub) Deliver(payload []byte, userIds ...string) {
	select {
	case h.send <- delivery{userIds: userIds, payload: payload}:
	case <-h.quit:
	}
}

func (h *Hub) DropAll() {
	select {
	case h.drop <- struct{}{}:
	case <-h.quit:
	}
}

func (h *Hub) Connections(userId string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{userId: userId, reply: reply}:
		return <-reply
	case <-h.quit:
		return 0
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}

// peer is one websocket connection of a user.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	userId string

	// Buffered channel of outbound messages.
	send chan []byte

	// onEvent handles every envelope the peer sends.
	onEvent func(p *peer, env api.Envelope)
}

// readPump pumps envelopes from the connection to onEvent. It is the only
// reader of the connection.
func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.quit:
		}
		_ = p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.log.Debug("peer read failed", "user_id", p.userId, "error", err)
			}
			return
		}
		var env api.Envelope
		if err := json.Unmarshal(bytes.TrimSpace(message), &env); err != nil {
			p.hub.log.Warn("could not process message", "user_id", p.userId, "error", err)
			continue
		}
		p.onEvent(p, env)
	}
}

// writePump pumps payloads from the hub to the connection and keeps it alive
// with pings.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case message, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
