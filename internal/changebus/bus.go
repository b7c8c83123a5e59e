// Package changebus delivers in-process view-refresh notifications to the
// rendering layer after any applied change, local or remote.
package changebus

import (
	"log/slog"
	"sync"
)

// View names the screens the rendering layer can redraw.
type View string

const (
	ViewDashboard      View = "dashboard"
	ViewTransactionLog View = "transactionLog"
	ViewPantry         View = "pantry"
	ViewWasteLog       View = "wasteLog"
)

// AllViews covers a full redraw after a snapshot merge.
var AllViews = []View{ViewDashboard, ViewTransactionLog, ViewPantry, ViewWasteLog}

const subscriberBufferSize = 16

// Subscriber receives view-refresh notifications on a buffered channel.
type Subscriber struct {
	ch chan View
}

// Views returns the channel of refresh notifications.
func (s *Subscriber) Views() <-chan View {
	return s.ch
}

// Bus fans view-refresh notifications out to all subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan View, subscriberBufferSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Notify sends a refresh for each view to every subscriber. Slow subscribers
// with a full buffer miss the notification rather than block the sender.
func (b *Bus) Notify(views ...View) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		for _, v := range views {
			select {
			case s.ch <- v:
			default:
				b.logger.Debug("dropping view refresh", "view", v)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
