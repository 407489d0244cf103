package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broker"
	"github.com/quickchat/realtime-service/internal/event"
	"github.com/quickchat/realtime-service/internal/history"
	"github.com/quickchat/realtime-service/internal/observability"
)

const insertTimeout = 3 * time.Second

// Broadcaster stamps, persists and fans out events. Persistence is
// best-effort: a failing or slow history store never delays or fails
// delivery to subscribers.
type Broadcaster struct {
	bus     *broker.Broker
	store   history.Store
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(bus *broker.Broker, store history.Store, metrics *observability.Metrics, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:     bus,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Broadcast publishes ev to every subscriber of its implicit topic.
// Returns the stamped event.
func (b *Broadcaster) Broadcast(ev event.Event) event.Event {
	ev = b.stamp(ev)
	b.persist(ev)
	b.publish(ev.Topic, ev)
	return ev
}

// BroadcastTargeted publishes ev once to the topic of each target and to
// nothing else. Topic, if set, classifies the event for history only; the
// event never reaches that topic's subscribers. Call signaling depends on
// this: an offer targeted at the callee must not bounce back to the caller
// through the shared call topic.
func (b *Broadcaster) BroadcastTargeted(ev event.Event, targets []event.Target) event.Event {
	ev.Targets = targets
	ev = b.stamp(ev)
	b.persist(ev)
	for _, target := range targets {
		b.publish(target.Topic(), ev)
	}
	return ev
}

func (b *Broadcaster) stamp(ev event.Event) event.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.SchemaVersion = event.SchemaVersion
	return ev
}

func (b *Broadcaster) persist(ev event.Event) {
	if b.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		if err := b.store.Insert(ctx, ev); err != nil {
			b.metrics.HistoryFailures.Inc()
			b.logger.Warn().Err(err).
				Str("event_id", ev.ID).
				Str("type", string(ev.Type)).
				Str("topic", ev.Topic).
				Msg("event history write failed")
		}
	}()
}

func (b *Broadcaster) publish(topic string, ev event.Event) {
	delivered, dropped := b.bus.Publish(topic, ev)
	b.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	if delivered > 0 {
		b.metrics.FanoutDelivered.Add(float64(delivered))
	}
	if dropped > 0 {
		b.metrics.FanoutDropped.Add(float64(dropped))
		b.logger.Debug().
			Str("topic", topic).
			Str("type", string(ev.Type)).
			Int("dropped", dropped).
			Msg("dropped event for saturated subscribers")
	}
}
