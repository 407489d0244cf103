package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broker"
	"github.com/quickchat/realtime-service/internal/call"
	"github.com/quickchat/realtime-service/internal/event"
	"github.com/quickchat/realtime-service/internal/presence"
	"github.com/quickchat/realtime-service/internal/protocol"
	"github.com/quickchat/realtime-service/internal/registry"
	"github.com/quickchat/realtime-service/internal/typing"
)

const (
	outboundBuffer = 256
	readLimit      = 2 << 20
	readTimeout    = 120 * time.Second
	writeTimeout   = 10 * time.Second
)

// wsConn is the per-connection state. subs is touched only by the read-loop
// goroutine; forwarder goroutines read their own subscription channel and
// push frames into outbound, which the single writer goroutine drains.
type wsConn struct {
	server   *Server
	userID   string
	outbound chan any
	subs     map[string]*broker.Subscription
	logger   zerolog.Logger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	userID, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "connection token rejected")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		server:   s,
		userID:   userID,
		outbound: make(chan any, outboundBuffer),
		subs:     make(map[string]*broker.Subscription),
		logger:   s.logger.With().Str("user_id", userID).Logger(),
	}
	defer c.teardown()

	// Connecting is the first heartbeat: the presence session exists from
	// here on, and the connection always hears its own targeted events.
	c.ensurePresence()
	c.subscribe(event.UserTopic(userID))

	c.logger.Info().Msg("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", frameTypeOf(msg)).Inc()
			}
		}
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseCommand(data)
		if err != nil {
			c.sendError("invalid_command", err.Error())
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", commandTypeOf(parsed)).Inc()
		if ctx.Err() != nil {
			break
		}
		c.dispatch(parsed)
	}

	cancel()
	<-writerDone
	c.logger.Info().Msg("websocket disconnected")
}

// teardown closes every subscription. Presence is left to the sweeper: the
// heartbeats simply stop and the staleness threshold demotes the session.
func (c *wsConn) teardown() {
	for _, sub := range c.subs {
		sub.Close()
	}
	c.subs = nil
}

func (c *wsConn) dispatch(msg any) {
	switch m := msg.(type) {
	case protocol.Join:
		c.handleJoin(m)
	case protocol.Leave:
		c.handleLeave(m)
	case protocol.CallSignal:
		c.handleCallSignal(m)
	case protocol.CallToggle:
		c.sendToCall(m.CallID, call.Toggle{From: c.userID, Kind: m.Kind, Enabled: m.Enabled})
	case protocol.PresenceHeartbeat:
		c.sendToPresence(presence.Heartbeat{})
	case protocol.PresenceSetStatus:
		status, err := presence.ParseStatus(m.Status)
		if err != nil {
			c.sendError("invalid_status", err.Error())
			return
		}
		c.sendToPresence(presence.SetStatus{Status: status})
	case protocol.PresenceGetBulk:
		snaps := c.server.presenceSnapshots(m.UserIDs)
		c.enqueue(protocol.NewSnapshotFrame(protocol.KindPresence, "", snaps))
	case protocol.TypingStart:
		c.sendToTyping(m.ConversationID, typing.Start{UserID: c.userID}, true)
	case protocol.TypingStop:
		c.sendToTyping(m.ConversationID, typing.Stop{UserID: c.userID}, false)
	}
}

func (c *wsConn) handleJoin(m protocol.Join) {
	switch m.Kind {
	case protocol.KindCall:
		s := c.server
		key := registry.Key{Kind: registry.KindCall, ID: m.Key}
		h, _ := s.reg.EnsureStarted(key, func() registry.Actor {
			return call.NewSession(m.Key, c.userID, call.Config{
				AnswerTimeout: s.cfg.CallAnswerTimeout,
				MaxDuration:   s.cfg.CallMaxDuration,
			}, s.bc, s.logger)
		})
		c.subscribe(event.CallTopic(m.Key))

		reply := make(chan call.Snapshot, 1)
		if err := h.Send(call.Join{UserID: c.userID, Reply: reply}); err != nil {
			c.sendError("call_unavailable", err.Error())
			return
		}
		select {
		case snap := <-reply:
			c.enqueue(protocol.NewSnapshotFrame(protocol.KindCall, m.Key, snap))
		case <-h.Done():
			c.sendError("call_not_found", "call terminated")
		case <-time.After(replyTimeout):
			c.sendError("call_unavailable", "snapshot timed out")
		}

	case protocol.KindPresence:
		c.subscribe(event.PresenceTopic(m.Key))
		if h, ok := c.server.reg.Lookup(registry.Key{Kind: registry.KindPresence, ID: m.Key}); ok {
			_ = h.Send(presence.Subscribe{Watcher: c.userID})
		}
		snaps := c.server.presenceSnapshots([]string{m.Key})
		c.enqueue(protocol.NewSnapshotFrame(protocol.KindPresence, m.Key, snaps[m.Key]))

	case protocol.KindConversation:
		c.subscribe(event.ConversationTopic(m.Key))
		c.enqueue(protocol.NewSnapshotFrame(protocol.KindConversation, m.Key, c.typingSnapshot(m.Key)))
	}
}

func (c *wsConn) handleLeave(m protocol.Leave) {
	switch m.Kind {
	case protocol.KindCall:
		c.unsubscribe(event.CallTopic(m.Key))
		if h, ok := c.server.reg.Lookup(registry.Key{Kind: registry.KindCall, ID: m.Key}); ok {
			_ = h.Send(call.Leave{UserID: c.userID})
		}
	case protocol.KindPresence:
		c.unsubscribe(event.PresenceTopic(m.Key))
		if h, ok := c.server.reg.Lookup(registry.Key{Kind: registry.KindPresence, ID: m.Key}); ok {
			_ = h.Send(presence.Unsubscribe{Watcher: c.userID})
		}
	case protocol.KindConversation:
		c.unsubscribe(event.ConversationTopic(m.Key))
	}
}

func (c *wsConn) handleCallSignal(m protocol.CallSignal) {
	var msg any
	switch m.Type {
	case protocol.TypeCallOffer:
		msg = call.Offer{From: c.userID, SDP: m.Payload}
	case protocol.TypeCallAnswer:
		msg = call.Answer{From: c.userID, SDP: m.Payload}
	case protocol.TypeCallICE:
		msg = call.ICE{From: c.userID, Candidate: m.Payload}
	default:
		return
	}
	c.sendToCall(m.CallID, msg)
}

// sendToCall routes to a live call actor only. Signaling at a dead call is a
// client error, not a reason to start one.
func (c *wsConn) sendToCall(callID string, msg any) {
	h, ok := c.server.reg.Lookup(registry.Key{Kind: registry.KindCall, ID: callID})
	if !ok {
		c.sendError("call_not_found", "no live call with that id")
		return
	}
	if err := h.Send(msg); err != nil {
		c.sendError("call_unavailable", err.Error())
	}
}

func (c *wsConn) sendToPresence(msg any) {
	h := c.ensurePresence()
	if err := h.Send(msg); err != nil {
		c.sendError("presence_unavailable", err.Error())
	}
}

// sendToTyping starts the conversation's tracker on demand for typing.start;
// a stop for an untracked conversation is a no-op, so it never revives one.
func (c *wsConn) sendToTyping(conversationID string, msg any, create bool) {
	s := c.server
	key := registry.Key{Kind: registry.KindTyping, ID: conversationID}
	var h *registry.Handle
	var ok bool
	if create {
		h, _ = s.reg.EnsureStarted(key, func() registry.Actor {
			return typing.NewTracker(conversationID, s.cfg.TypingTTL, s.bc, s.logger)
		})
	} else if h, ok = s.reg.Lookup(key); !ok {
		return
	}
	if err := h.Send(msg); err != nil {
		c.sendError("typing_unavailable", err.Error())
	}
}

func (c *wsConn) ensurePresence() *registry.Handle {
	s := c.server
	h, _ := s.reg.EnsureStarted(registry.Key{Kind: registry.KindPresence, ID: c.userID}, func() registry.Actor {
		return presence.NewSession(c.userID, s.bc, s.snapshots, s.metrics, s.logger)
	})
	return h
}

func (c *wsConn) typingSnapshot(conversationID string) []string {
	h, ok := c.server.reg.Lookup(registry.Key{Kind: registry.KindTyping, ID: conversationID})
	if !ok {
		return []string{}
	}
	reply := make(chan []string, 1)
	if err := h.Send(typing.SnapshotReq{Reply: reply}); err != nil {
		return []string{}
	}
	select {
	case users := <-reply:
		return users
	case <-h.Done():
		return []string{}
	case <-time.After(replyTimeout):
		return []string{}
	}
}

// subscribe attaches the connection to topic and forwards its events as
// frames. Idempotent per topic.
func (c *wsConn) subscribe(topic string) {
	if _, ok := c.subs[topic]; ok {
		return
	}
	sub := c.server.bus.Subscribe(topic)
	c.subs[topic] = sub
	go func() {
		for ev := range sub.C() {
			c.enqueue(protocol.NewEventFrame(ev))
		}
	}()
}

func (c *wsConn) unsubscribe(topic string) {
	sub, ok := c.subs[topic]
	if !ok {
		return
	}
	delete(c.subs, topic)
	sub.Close()
}

// enqueue hands a frame to the writer without blocking. A saturated outbound
// queue drops the frame; websocket writes stay single-threaded.
func (c *wsConn) enqueue(frame any) {
	select {
	case c.outbound <- frame:
	default:
		c.server.metrics.FanoutDropped.Inc()
	}
}

func (c *wsConn) sendError(code, detail string) {
	c.server.metrics.CommandErrors.WithLabelValues(code).Inc()
	c.enqueue(protocol.NewErrorFrame(code, detail))
}

func frameTypeOf(msg any) string {
	switch f := msg.(type) {
	case protocol.EventFrame:
		return string(f.Type) + ":" + string(f.Event.Type)
	case protocol.ErrorFrame:
		return string(f.Type)
	case protocol.SnapshotFrame:
		return string(f.Type)
	default:
		return "unknown"
	}
}

func commandTypeOf(msg any) string {
	switch m := msg.(type) {
	case protocol.Join:
		return string(m.Type)
	case protocol.Leave:
		return string(m.Type)
	case protocol.CallSignal:
		return string(m.Type)
	case protocol.CallToggle:
		return string(m.Type)
	case protocol.PresenceHeartbeat:
		return string(protocol.TypePresenceHeartbeat)
	case protocol.PresenceSetStatus:
		return string(protocol.TypePresenceSetStatus)
	case protocol.PresenceGetBulk:
		return string(protocol.TypePresenceGetBulk)
	case protocol.TypingStart:
		return string(m.Type)
	case protocol.TypingStop:
		return string(m.Type)
	default:
		return "unknown"
	}
}
