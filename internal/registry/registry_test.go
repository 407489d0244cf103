package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/observability"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	metrics := observability.NewMetrics(fmt.Sprintf("test_registry_%d", time.Now().UnixNano()))
	return New(ctx, metrics, zerolog.Nop())
}

// echoActor records received messages and exits when told to.
type echoActor struct {
	mu   sync.Mutex
	got  []any
	quit chan struct{}
}

func newEchoActor() *echoActor {
	return &echoActor{quit: make(chan struct{})}
}

func (a *echoActor) Run(ctx context.Context, inbox <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.quit:
			return
		case msg := <-inbox:
			if msg == "stop" {
				return
			}
			a.mu.Lock()
			a.got = append(a.got, msg)
			a.mu.Unlock()
		}
	}
}

func (a *echoActor) messages() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]any, len(a.got))
	copy(out, a.got)
	return out
}

func TestEnsureStartedReturnsSameHandle(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindPresence, ID: "u1"}

	h1, created := r.EnsureStarted(key, func() Actor { return newEchoActor() })
	if !created {
		t.Fatalf("first EnsureStarted should create")
	}
	h2, created := r.EnsureStarted(key, func() Actor { return newEchoActor() })
	if created {
		t.Fatalf("second EnsureStarted should not create")
	}
	if h1 != h2 {
		t.Fatalf("handles differ for the same key")
	}
}

func TestEnsureStartedConcurrentCallersConverge(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindCall, ID: "c1"}

	const callers = 32
	var wg sync.WaitGroup
	handles := make([]*Handle, callers)
	var starts sync.Map
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _ := r.EnsureStarted(key, func() Actor {
				starts.Store(i, true)
				return newEchoActor()
			})
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	started := 0
	starts.Range(func(_, _ any) bool { started++; return true })
	if started != 1 {
		t.Fatalf("constructor ran %d times, want 1", started)
	}
}

func TestActorReturnDeregistersKey(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindTyping, ID: "conv1"}

	h, _ := r.EnsureStarted(key, func() Actor { return newEchoActor() })
	if err := h.Send("stop"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("actor did not terminate")
	}

	if _, ok := r.Lookup(key); ok {
		t.Fatalf("key should be deregistered after actor return")
	}
	if err := h.Send("late"); err != ErrStopped {
		t.Fatalf("Send after stop = %v, want ErrStopped", err)
	}
}

func TestEnsureStartedAfterTerminationCreatesFreshInstance(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindPresence, ID: "u2"}

	h1, _ := r.EnsureStarted(key, func() Actor { return newEchoActor() })
	_ = h1.Send("stop")
	<-h1.Done()

	h2, created := r.EnsureStarted(key, func() Actor { return newEchoActor() })
	if !created {
		t.Fatalf("expected a fresh instance after termination")
	}
	if h1 == h2 {
		t.Fatalf("handle should not be reused")
	}
}

type crashActor struct {
	notified chan struct{}
}

func (a *crashActor) Run(context.Context, <-chan any) {
	panic("boom")
}

func (a *crashActor) NotifyCrashed() {
	close(a.notified)
}

func TestCallCrashRunsNotifierAndDeregisters(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindCall, ID: "c-crash"}

	notified := make(chan struct{})
	h, _ := r.EnsureStarted(key, func() Actor { return &crashActor{notified: notified} })

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatalf("crash notifier was not invoked")
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("crashed actor did not deregister")
	}
	if _, ok := r.Lookup(key); ok {
		t.Fatalf("crashed call must not stay registered")
	}
}

type panicOnceActor struct{}

func (panicOnceActor) Run(context.Context, <-chan any) { panic("transient") }

func TestPresenceCrashAllowsFreshInstance(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindPresence, ID: "u-crash"}

	h, _ := r.EnsureStarted(key, func() Actor { return panicOnceActor{} })
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("crashed actor did not terminate")
	}

	fresh := newEchoActor()
	h2, created := r.EnsureStarted(key, func() Actor { return fresh })
	if !created {
		t.Fatalf("expected a fresh empty instance after crash")
	}
	if err := h2.Send("hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(fresh.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fresh actor never processed the message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendPreservesPerCallerOrder(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{Kind: KindTyping, ID: "conv-order"}

	actor := newEchoActor()
	h, _ := r.EnsureStarted(key, func() Actor { return actor })

	for i := 0; i < 10; i++ {
		if err := h.Send(i); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for len(actor.messages()) < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("actor processed %d messages, want 10", len(actor.messages()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := actor.messages()
	for i := 0; i < 10; i++ {
		if got[i] != i {
			t.Fatalf("message %d = %v, want %d", i, got[i], i)
		}
	}
}

func TestKeysFiltersByKind(t *testing.T) {
	r := newTestRegistry(t)

	r.EnsureStarted(Key{Kind: KindPresence, ID: "u1"}, func() Actor { return newEchoActor() })
	r.EnsureStarted(Key{Kind: KindPresence, ID: "u2"}, func() Actor { return newEchoActor() })
	r.EnsureStarted(Key{Kind: KindCall, ID: "c1"}, func() Actor { return newEchoActor() })

	keys := r.Keys(KindPresence)
	if len(keys) != 2 {
		t.Fatalf("len(Keys(presence)) = %d, want 2", len(keys))
	}
	for _, k := range keys {
		if k.Kind != KindPresence {
			t.Fatalf("unexpected kind %q", k.Kind)
		}
	}
}
