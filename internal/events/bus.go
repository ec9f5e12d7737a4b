// Package events provides the process-wide publish/subscribe hub connecting
// the tool servers and the workflow engine. Topics are the fixed, namespaced
// names of the event catalog; delivery is in-process and at-most-once.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/gobwas/glob"

	"toolmesh/internal/logging"
	"toolmesh/pkg/models"
)

// Handler consumes one published event. A failing or panicking handler never
// affects the other subscribers of the same publish.
type Handler func(ctx context.Context, evt models.Event) error

type subscription struct {
	id      uint64
	event   models.EventName
	pattern glob.Glob
	handler Handler
}

// Bus is the event hub. A single instance is constructed at startup and
// passed by reference into every producer and consumer, so tests can run
// against fresh isolated instances.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	exact  map[models.EventName][]*subscription
	glob   []*subscription
	logger *logging.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{
		exact:  make(map[models.EventName][]*subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one exact event name and returns its
// unsubscribe function.
func (b *Bus) Subscribe(event models.EventName, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, event: event, handler: h}
	b.exact[event] = append(b.exact[event], sub)
	return func() { b.remove(sub) }
}

// SubscribePattern registers a handler for a glob pattern. Wildcards are
// scoped to ":"-delimited segments, so "scrum:*" matches "scrum:task-updated"
// but never "code:commit-analyzed".
func (b *Bus) SubscribePattern(pattern string, h Handler) (func(), error) {
	g, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, fmt.Errorf("compile event pattern %q: %w", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, pattern: g, handler: h}
	b.glob = append(b.glob, sub)
	return func() { b.remove(sub) }, nil
}

// Publish delivers evt to every exact subscriber, then to every pattern
// subscriber whose pattern matches. It returns once all matched handlers have
// settled. The subscriber list is snapshotted up front, so handlers may
// subscribe or unsubscribe mid-publish without affecting this delivery.
func (b *Bus) Publish(ctx context.Context, evt models.Event) {
	b.mu.Lock()
	matched := make([]*subscription, 0, len(b.exact[evt.Name])+len(b.glob))
	matched = append(matched, b.exact[evt.Name]...)
	for _, sub := range b.glob {
		if sub.pattern.Match(string(evt.Name)) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.invoke(ctx, sub, evt)
	}
}

// invoke runs one handler, containing errors and panics.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", evt.Name, "panic", r)
		}
	}()
	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Error("event handler failed", "event", evt.Name, "error", err)
	}
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exact = make(map[models.EventName][]*subscription)
	b.glob = nil
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.pattern != nil {
		b.glob = filterOut(b.glob, sub.id)
		return
	}
	b.exact[sub.event] = filterOut(b.exact[sub.event], sub.id)
}

func filterOut(subs []*subscription, id uint64) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
