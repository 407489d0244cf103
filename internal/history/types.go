package history

import (
	"context"

	"github.com/quickchat/realtime-service/internal/event"
)

// Store persists broadcast events append-only. Writes are best-effort from
// the broadcaster's point of view; a failing store never blocks delivery.
type Store interface {
	Insert(ctx context.Context, ev event.Event) error
	Recent(ctx context.Context, topic string, limit int) ([]event.Event, error)
	Close() error
}
