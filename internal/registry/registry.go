package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/observability"
)

const mailboxSize = 64

// Kind partitions the session key space.
type Kind string

const (
	KindCall     Kind = "call"
	KindPresence Kind = "presence"
	KindTyping   Kind = "typing"
)

// Key identifies one live actor: a call id, a user id, or a conversation id
// depending on kind.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

var (
	ErrNotFound    = errors.New("actor not found")
	ErrMailboxFull = errors.New("actor mailbox full")
	ErrStopped     = errors.New("actor stopped")
)

// Actor processes its mailbox until it decides to terminate or ctx is done.
// Returning from Run deregisters the key. All actor state lives inside Run;
// callers interact only through messages.
type Actor interface {
	Run(ctx context.Context, inbox <-chan any)
}

// CrashNotifier is implemented by actors whose abnormal death must be made
// visible to the outside (call sessions emit a terminal notice). It runs on
// the actor goroutine after the panic has been recovered, so the actor's
// state is safe to read.
type CrashNotifier interface {
	NotifyCrashed()
}

// Handle is a cluster-unique reference to a live actor.
type Handle struct {
	key   Key
	inbox chan any
	done  chan struct{}
}

func (h *Handle) Key() Key { return h.key }

// Done is closed when the actor has terminated and the key is free again.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Send enqueues msg without blocking. Messages from one caller are processed
// in send order; a full mailbox or a stopped actor is reported to the caller
// and the message dropped.
func (h *Handle) Send(msg any) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.inbox <- msg:
		return nil
	case <-h.done:
		return ErrStopped
	default:
		return ErrMailboxFull
	}
}

// Registry is the single source of truth for which session keys are live.
// It starts actors on demand, enforces at-most-one-instance-per-key, and
// applies the per-kind crash policy.
type Registry struct {
	mu      sync.Mutex
	actors  map[Key]*Handle
	ctx     context.Context
	metrics *observability.Metrics
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func New(ctx context.Context, metrics *observability.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		actors:  make(map[Key]*Handle),
		ctx:     ctx,
		metrics: metrics,
		logger:  logger,
	}
}

// Lookup returns the live handle for key, if any.
func (r *Registry) Lookup(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.actors[key]
	if !ok {
		return nil, false
	}
	select {
	case <-h.done:
		// Terminated but not yet deregistered; treat as absent.
		return nil, false
	default:
		return h, true
	}
}

// EnsureStarted atomically returns the live actor for key, starting one via
// start if absent. Concurrent callers for the same key converge on a single
// handle; no two actors for one key ever coexist. Reports whether this call
// created the actor.
func (r *Registry) EnsureStarted(key Key, start func() Actor) (*Handle, bool) {
	r.mu.Lock()
	if h, ok := r.actors[key]; ok {
		select {
		case <-h.done:
			// Fresh instance replaces the dead one below.
		default:
			r.mu.Unlock()
			return h, false
		}
	}

	h := &Handle{
		key:   key,
		inbox: make(chan any, mailboxSize),
		done:  make(chan struct{}),
	}
	r.actors[key] = h
	r.mu.Unlock()

	actor := start()
	r.metrics.LiveActors.WithLabelValues(string(key.Kind)).Inc()
	r.wg.Add(1)
	go r.run(h, actor)
	return h, true
}

// Keys lists the live keys of one kind. Used by the presence sweeper.
func (r *Registry) Keys(kind Kind) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.actors))
	for key, h := range r.actors {
		if key.Kind != kind {
			continue
		}
		select {
		case <-h.done:
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

func (r *Registry) run(h *Handle, actor Actor) {
	defer r.wg.Done()
	defer r.deregister(h)
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		// Call sessions are never resurrected: a crash ends the call and
		// the notifier emits the terminal notice the actor could not.
		// Presence and typing actors come back empty on next ensure-started.
		policy := "recreate_on_access"
		if h.key.Kind == KindCall {
			policy = "terminate"
			if n, ok := actor.(CrashNotifier); ok {
				n.NotifyCrashed()
			}
		}
		r.metrics.ActorRestarts.WithLabelValues(string(h.key.Kind), policy).Inc()
		r.logger.Error().
			Str("key", h.key.String()).
			Str("policy", policy).
			Interface("panic", rec).
			Msg("actor crashed")
	}()

	actor.Run(r.ctx, h.inbox)
}

func (r *Registry) deregister(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.actors[h.key]; ok && cur == h {
		delete(r.actors, h.key)
	}
	r.mu.Unlock()
	close(h.done)
	r.metrics.LiveActors.WithLabelValues(string(h.key.Kind)).Dec()
}

// Wait blocks until every actor goroutine has exited. Intended for shutdown
// after the registry's base context is cancelled.
func (r *Registry) Wait() {
	r.wg.Wait()
}
