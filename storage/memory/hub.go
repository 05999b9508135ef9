package memory

import (
	"context"
	"sync"

	"github.com/codebroker/codebroker/storage"
)

// hub fans notifications out to in-process listeners. It mirrors the
// delivery semantics of Postgres NOTIFY: best effort, no replay.
type hub struct {
	mu        sync.Mutex
	listeners map[*listener]struct{}
}

func newHub() *hub {
	return &hub{listeners: make(map[*listener]struct{})}
}

func (h *hub) newListener() *listener {
	l := &listener{
		hub:      h,
		channels: make(map[string]struct{}),
		inbox:    make(chan storage.Notification, 64),
	}
	h.mu.Lock()
	h.listeners[l] = struct{}{}
	h.mu.Unlock()
	return l
}

func (h *hub) notify(channel, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for l := range h.listeners {
		if _, ok := l.channels[channel]; !ok {
			continue
		}
		// Drop when the inbox is full; notifications are wakeups, the
		// poll fallback covers misses.
		select {
		case l.inbox <- storage.Notification{Channel: channel, Payload: payload}:
		default:
		}
	}
}

func (h *hub) remove(l *listener) {
	h.mu.Lock()
	delete(h.listeners, l)
	h.mu.Unlock()
}

// listener is an in-process storage.Listener.
type listener struct {
	hub      *hub
	channels map[string]struct{}
	inbox    chan storage.Notification

	closeOnce sync.Once
}

var _ storage.Listener = (*listener)(nil)

// Listen subscribes to a channel.
func (l *listener) Listen(ctx context.Context, channel string) error {
	l.hub.mu.Lock()
	l.channels[channel] = struct{}{}
	l.hub.mu.Unlock()
	return nil
}

// WaitForNotification blocks until a notification or cancellation.
func (l *listener) WaitForNotification(ctx context.Context) (*storage.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-l.inbox:
		return &n, nil
	}
}

// Close detaches the listener from the hub.
func (l *listener) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { l.hub.remove(l) })
	return nil
}
