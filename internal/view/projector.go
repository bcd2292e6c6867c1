// Package view exposes the merged read-side projections: local-only and
// remotely confirmed records combined into single ordered streams.
package view

import (
	"context"

	"github.com/mvellosa/courier/internal/bus"
	"github.com/mvellosa/courier/internal/store"
	"go.uber.org/zap"
)

// Projector serves the externally consumed views over the entity store.
// Because the store is the single source of truth and every committed
// write publishes a change event, a view is always a fresh query plus a
// subscription — never a second copy of the data that could go stale.
type Projector struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewProjector creates a projector over the store.
func NewProjector(db *store.DB, b *bus.Bus, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{db: db, bus: b, logger: logger}
}

// Conversations returns the active conversations for a user, interlocutor
// display data joined in, ordered by most recent message activity.
func (p *Projector) Conversations(ctx context.Context, owner string) ([]store.ConversationView, error) {
	return p.db.ListConversations(ctx, owner)
}

// Messages returns a window of a conversation's messages ascending by
// timestamp. beforeTs pages backward in time; 0 loads the latest window.
func (p *Projector) Messages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return p.db.ListConversationMessages(ctx, conversationID, beforeTs, limit)
}

// Announcements returns the feed newest-first, locally created entries
// included immediately pending sync.
func (p *Projector) Announcements(ctx context.Context, owner string) ([]store.Announcement, error) {
	return p.db.ListAnnouncements(ctx, owner)
}

// WatchConversations streams the conversations view: an immediate
// snapshot, then a fresh snapshot after every relevant store change.
func (p *Projector) WatchConversations(ctx context.Context, owner string) (<-chan []store.ConversationView, error) {
	return Watch(ctx, p.bus, []string{"store.conversation.", "store.message."},
		func(ctx context.Context) ([]store.ConversationView, error) {
			return p.db.ListConversations(ctx, owner)
		})
}

// WatchMessages streams the latest message window of one conversation,
// so a locally appended message shows up without refetching the page.
func (p *Projector) WatchMessages(ctx context.Context, conversationID string, limit int) (<-chan []store.Message, error) {
	return Watch(ctx, p.bus, []string{"store.message."},
		func(ctx context.Context) ([]store.Message, error) {
			return p.db.ListConversationMessages(ctx, conversationID, 0, limit)
		})
}

// WatchAnnouncements streams the announcements feed.
func (p *Projector) WatchAnnouncements(ctx context.Context, owner string) (<-chan []store.Announcement, error) {
	return Watch(ctx, p.bus, []string{"store.announcement."},
		func(ctx context.Context) ([]store.Announcement, error) {
			return p.db.ListAnnouncements(ctx, owner)
		})
}

// Watch turns a query into a live stream: the current snapshot is emitted
// immediately, and a fresh one after every matching bus event. Delivery is
// at-least-the-latest-value: bursts of events coalesce into one re-query,
// and a consumer that lags sees the final state rather than every
// intermediate. The stream closes when ctx is cancelled.
func Watch[T any](ctx context.Context, b *bus.Bus, prefixes []string, query func(context.Context) (T, error)) (<-chan T, error) {
	// Subscribe before the initial query: a write committed between the
	// two would otherwise go unseen and leave the stream stale.
	events := make(chan bus.Event, 64)
	var unsubs []func()
	for _, prefix := range prefixes {
		ch, unsub := b.Subscribe(prefix, 64)
		unsubs = append(unsubs, unsub)
		go func(ch <-chan bus.Event) {
			for {
				select {
				case evt := <-ch:
					select {
					case events <- evt:
					default:
					}
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	snapshot, err := query(ctx)
	if err != nil {
		for _, unsub := range unsubs {
			unsub()
		}
		return nil, err
	}

	out := make(chan T, 1)
	out <- snapshot

	go func() {
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
			close(out)
		}()
		for {
			select {
			case <-events:
				// Coalesce a burst into one query of the final state.
				for {
					select {
					case <-events:
						continue
					default:
					}
					break
				}
				snapshot, err := query(ctx)
				if err != nil {
					continue
				}
				// Replace a pending unconsumed snapshot with the newer one.
				select {
				case <-out:
				default:
				}
				out <- snapshot
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
