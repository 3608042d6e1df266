package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsBroadcaster mirrors the event bus onto every connected websocket
// client: each connection gets its own bus subscription and writer
// goroutine, so one slow client can never block another.
type wsBroadcaster struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.Mutex
	closing bool
}

func newWSBroadcaster(bus *events.Bus, log zerolog.Logger) *wsBroadcaster {
	return &wsBroadcaster{bus: bus, log: log.With().Str("component", "ws").Logger()}
}

func (b *wsBroadcaster) handle(w http.ResponseWriter, r *http.Request) {
	if b.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := b.bus.Subscribe()
	defer unsubscribe()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		b.mu.Lock()
		closing := b.closing
		b.mu.Unlock()
		if closing {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *wsBroadcaster) stop() {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()
}
