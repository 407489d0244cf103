package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/broker"
	"github.com/quickchat/realtime-service/internal/cache"
	"github.com/quickchat/realtime-service/internal/config"
	"github.com/quickchat/realtime-service/internal/event"
	"github.com/quickchat/realtime-service/internal/history"
	"github.com/quickchat/realtime-service/internal/identity"
	"github.com/quickchat/realtime-service/internal/observability"
	"github.com/quickchat/realtime-service/internal/registry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Config{
		AllowAnyOrigin:    true,
		CallAnswerTimeout: time.Minute,
		CallMaxDuration:   time.Hour,
		TypingTTL:         200 * time.Millisecond,
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_gateway_%d", time.Now().UnixNano()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := broker.New()
	t.Cleanup(bus.Close)
	bc := broadcast.New(bus, history.NewInMemoryStore(), metrics, zerolog.Nop())
	reg := registry.New(ctx, metrics, zerolog.Nop())
	snapshots := cache.NewDisabled()
	verifier := identity.NewStaticVerifier("tok-alice:alice,tok-bob:bob")

	srv := New(cfg, reg, bus, bc, snapshots, verifier, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is the union of every outbound frame shape, for test decoding.
type frame struct {
	Type  string          `json:"type"`
	Code  string          `json:"code"`
	Kind  string          `json:"session_kind"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
	Event event.Event     `json:"event"`
}

func send(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("ws write error = %v", err)
	}
}

// collectUntil reads frames until pred matches, returning everything read
// including the match.
func collectUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, pred func(frame) bool) []frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var seen []frame
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ws read error = %v (seen %d frames: %+v)", err, len(seen), seen)
		}
		seen = append(seen, f)
		if pred(f) {
			return seen
		}
	}
}

func waitForEvent(t *testing.T, conn *websocket.Conn, evType event.Type) []frame {
	t.Helper()
	return collectUntil(t, conn, 2*time.Second, func(f frame) bool {
		return f.Type == "event" && f.Event.Type == evType
	})
}

func waitForSnapshot(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	seen := collectUntil(t, conn, 2*time.Second, func(f frame) bool {
		return f.Type == "snapshot"
	})
	return seen[len(seen)-1]
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestWSRejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime/ws?token=nope"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure for invalid token")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", res)
	}
}

func TestWSInvalidCommandGetsErrorFrame(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts, "tok-alice")

	send(t, conn, `{"type":"wat"}`)

	seen := collectUntil(t, conn, 2*time.Second, func(f frame) bool {
		return f.Type == "error"
	})
	if got := seen[len(seen)-1].Code; got != "invalid_command" {
		t.Fatalf("error code = %q, want invalid_command", got)
	}
}

func TestWSCallSignalingFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := dialWS(t, ts, "tok-alice")
	bob := dialWS(t, ts, "tok-bob")

	send(t, alice, `{"type":"join","session_kind":"call","key":"c1"}`)
	snap := waitForSnapshot(t, alice)
	if snap.Kind != "call" || snap.Key != "c1" {
		t.Fatalf("unexpected join snapshot: %+v", snap)
	}
	var callState struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(snap.Data, &callState); err != nil {
		t.Fatalf("decode call snapshot: %v", err)
	}
	if callState.State != "ringing" {
		t.Fatalf("call state = %q, want ringing", callState.State)
	}

	send(t, bob, `{"type":"join","session_kind":"call","key":"c1"}`)
	waitForSnapshot(t, bob)

	// Offer goes to bob only; bob's answer converges on both ends.
	send(t, alice, `{"type":"call.offer","call_id":"c1","payload":"v=0 offer"}`)
	waitForEvent(t, bob, event.TypeSDPOffer)

	send(t, bob, `{"type":"call.answer","call_id":"c1","payload":"v=0 answer"}`)
	waitForEvent(t, bob, event.TypeSDPAnswer)
	aliceFrames := waitForEvent(t, alice, event.TypeSDPAnswer)

	for _, f := range aliceFrames {
		if f.Type == "event" && f.Event.Type == event.TypeSDPOffer {
			t.Fatalf("caller received its own offer back: %+v", f)
		}
	}
}

func TestWSCallSignalToUnknownCall(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts, "tok-alice")

	send(t, conn, `{"type":"call.offer","call_id":"ghost","payload":"v=0"}`)

	seen := collectUntil(t, conn, 2*time.Second, func(f frame) bool {
		return f.Type == "error"
	})
	if got := seen[len(seen)-1].Code; got != "call_not_found" {
		t.Fatalf("error code = %q, want call_not_found", got)
	}
}

func TestWSTypingFanout(t *testing.T) {
	ts := newTestServer(t)
	alice := dialWS(t, ts, "tok-alice")
	bob := dialWS(t, ts, "tok-bob")

	send(t, alice, `{"type":"join","session_kind":"conversation","key":"conv1"}`)
	waitForSnapshot(t, alice)

	send(t, bob, `{"type":"typing.start","conversation_id":"conv1"}`)

	frames := waitForEvent(t, alice, event.TypeTyping)
	var payload struct {
		UserID string `json:"user_id"`
		Typing bool   `json:"typing"`
	}
	last := frames[len(frames)-1]
	if err := json.Unmarshal(last.Event.Payload, &payload); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if payload.UserID != "bob" || !payload.Typing {
		t.Fatalf("unexpected typing payload: %+v", payload)
	}

	// TTL expiry delivers the matching typing=false.
	frames = waitForEvent(t, alice, event.TypeTyping)
	last = frames[len(frames)-1]
	if err := json.Unmarshal(last.Event.Payload, &payload); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if payload.UserID != "bob" || payload.Typing {
		t.Fatalf("expected typing=false after TTL, got: %+v", payload)
	}
}

func TestPresenceBulkEndpoint(t *testing.T) {
	ts := newTestServer(t)
	dialWS(t, ts, "tok-alice")

	// The connected user's actor answers online; unknown users default to
	// offline without creating anything.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := http.Get(ts.URL + "/v1/presence/bulk?user_ids=alice,ghost")
		if err != nil {
			t.Fatalf("GET bulk error = %v", err)
		}
		var got map[string]struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
			t.Fatalf("decode bulk response: %v", err)
		}
		res.Body.Close()

		if got["ghost"].Status != "offline" {
			t.Fatalf("ghost status = %q, want offline", got["ghost"].Status)
		}
		if got["alice"].Status == "online" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("alice status = %q, want online", got["alice"].Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/calls/ghost")
	if err != nil {
		t.Fatalf("GET call error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown call status = %d, want 404", res.StatusCode)
	}

	alice := dialWS(t, ts, "tok-alice")
	send(t, alice, `{"type":"join","session_kind":"call","key":"c2"}`)
	waitForSnapshot(t, alice)

	res, err = http.Get(ts.URL + "/v1/calls/c2")
	if err != nil {
		t.Fatalf("GET call error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("call snapshot status = %d, want 200", res.StatusCode)
	}
	var snap struct {
		CallID string `json:"call_id"`
		State  string `json:"state"`
	}
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode call snapshot: %v", err)
	}
	if snap.CallID != "c2" || snap.State != "ringing" {
		t.Fatalf("unexpected call snapshot: %+v", snap)
	}
}
