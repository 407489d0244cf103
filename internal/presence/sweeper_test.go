package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/broker"
	"github.com/quickchat/realtime-service/internal/cache"
	"github.com/quickchat/realtime-service/internal/event"
	"github.com/quickchat/realtime-service/internal/observability"
	"github.com/quickchat/realtime-service/internal/registry"
)

func newMiniredisCache(t *testing.T) *cache.PresenceCache {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c, err := cache.New(cache.Config{Addr: mr.Addr(), TTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSweeperDemotesSilentSessionWithinOneInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := broker.New()
	t.Cleanup(bus.Close)
	metrics := observability.NewMetrics(fmt.Sprintf("test_sweeper_%d", time.Now().UnixNano()))
	bc := broadcast.New(bus, nil, metrics, zerolog.Nop())
	reg := registry.New(ctx, metrics, zerolog.Nop())

	sub := bus.Subscribe(event.PresenceTopic("u1"))
	defer sub.Close()

	key := registry.Key{Kind: registry.KindPresence, ID: "u1"}
	reg.EnsureStarted(key, func() registry.Actor {
		return NewSession("u1", bc, cache.NewDisabled(), metrics, zerolog.Nop())
	})

	sweeper := NewSweeper(reg, 20*time.Millisecond, 60*time.Millisecond, metrics, zerolog.Nop())
	sweeper.Start(ctx)

	// No heartbeat: the session must go offline once staleness exceeds the
	// threshold, within one further sweep interval.
	waitEvent(t, sub, event.TypePresenceChange)

	// Let several more sweeps pass; the demotion must not repeat.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == event.TypePresenceChange {
				t.Fatalf("session demoted more than once")
			}
		default:
			return
		}
	}
}

func TestSweeperSparesHeartbeatingSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := broker.New()
	t.Cleanup(bus.Close)
	metrics := observability.NewMetrics(fmt.Sprintf("test_sweeper_%d", time.Now().UnixNano()))
	bc := broadcast.New(bus, nil, metrics, zerolog.Nop())
	reg := registry.New(ctx, metrics, zerolog.Nop())

	key := registry.Key{Kind: registry.KindPresence, ID: "u2"}
	h, _ := reg.EnsureStarted(key, func() registry.Actor {
		return NewSession("u2", bc, cache.NewDisabled(), metrics, zerolog.Nop())
	})

	sub := bus.Subscribe(event.PresenceTopic("u2"))
	defer sub.Close()

	sweeper := NewSweeper(reg, 15*time.Millisecond, 45*time.Millisecond, metrics, zerolog.Nop())
	sweeper.Start(ctx)

	// Keep the session warm across several sweep intervals.
	for i := 0; i < 10; i++ {
		if err := h.Send(Heartbeat{}); err != nil {
			t.Fatalf("heartbeat send failed: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	for {
		select {
		case ev := <-sub.C():
			if ev.Type == event.TypePresenceChange {
				t.Fatalf("heartbeating session was swept offline")
			}
		default:
			return
		}
	}
}
