package bluexfer

import (
	"net/http"
	"sync"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 64
	wsPingInterval   = 20 * time.Second
	wsWriteTimeout   = 5 * time.Second
)

// EventBus fans transfer events out to subscribers. It is an xfer.Notifier.
//
// Publishing never blocks: a subscriber whose buffer is full misses the event and can catch up
// through the history endpoint.
type EventBus struct {
	mu   sync.RWMutex
	subs map[chan xfer.Event]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan xfer.Event]struct{})}
}

// Subscribe returns a channel of events and a function that must be called to unsubscribe. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe() (<-chan xfer.Event, func()) {
	ch := make(chan xfer.Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *EventBus) Notify(e xfer.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// wsUpgrader keeps the default origin check: browsers may only subscribe from the API's own host.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ServeWS streams events to a websocket client as JSON text messages until the client goes away.
func (b *EventBus) ServeWS(logger xfer.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("Websocket upgrade failed", "err", err)
			return
		}
		defer func() { _ = conn.Close() }()

		events, unsubscribe := b.Subscribe()
		defer unsubscribe()

		// Reads only serve to notice a closed connection.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(e); err != nil {
					logger.Debug("Websocket write failed", "err", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
