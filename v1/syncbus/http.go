package syncbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Event names streamed by the HTTP handlers.
const (
	EventLocked   = "locked"
	EventUnlocked = "unlocked"
)

// watch subscribes to the lock and unlock topics of key and forwards them as
// event names on the returned channel until ctx is done.
func watch(ctx context.Context, bus Bus, key string) (<-chan string, error) {
	lockCh, err := bus.Subscribe(ctx, LockTopic(key))
	if err != nil {
		return nil, err
	}
	unlockCh, err := bus.Subscribe(ctx, UnlockTopic(key))
	if err != nil {
		_ = bus.Unsubscribe(context.Background(), LockTopic(key), lockCh)
		return nil, err
	}
	out := make(chan string, 2)
	go func() {
		defer close(out)
		defer func() {
			_ = bus.Unsubscribe(context.Background(), LockTopic(key), lockCh)
			_ = bus.Unsubscribe(context.Background(), UnlockTopic(key), unlockCh)
		}()
		for {
			var ev string
			select {
			case _, ok := <-lockCh:
				if !ok {
					return
				}
				ev = EventLocked
			case _, ok := <-unlockCh:
				if !ok {
					return
				}
				ev = EventUnlocked
			case <-ctx.Done():
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SSEHandler streams lock events for a lock key over Server-Sent Events.
// The lock key is taken from the "key" query parameter.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := watch(ctx, bus, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for ev := range events {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev, key); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events for a lock key over WebSocket as text
// messages. The lock key is taken from the "key" query parameter.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := watch(ctx, bus, key)
		if err != nil {
			return
		}
		// detect client disconnects
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for ev := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}
	}
}
