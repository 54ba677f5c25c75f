package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/observability"
)

const (
	wsWriteTimeout     = 10 * time.Second
	subscriberCapacity = 64
	streamSink         = "websocket"
)

// Broadcaster is an events.Emitter fanning committed audit events out to
// live websocket subscribers. Slow subscribers lose events rather than
// stalling the emitting operation.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan *types.Event]struct{}
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan *types.Event]struct{})}
}

// Emit implements events.Emitter.
func (b *Broadcaster) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	rendered := payload.Event()
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- rendered:
			observability.Events().RecordEmitted(rendered.Type, streamSink)
		default:
			observability.Events().RecordDropped(rendered.Type, streamSink)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it.
func (b *Broadcaster) Subscribe() (<-chan *types.Event, func()) {
	ch := make(chan *types.Event, subscriberCapacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type streamEvent struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// handleEventStream upgrades to a websocket and streams audit events,
// optionally filtered by ?type=prefix and ?payment=hash.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	typePrefix := strings.TrimSpace(r.URL.Query().Get("type"))
	paymentFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("payment")))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.stream.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-updates:
			if typePrefix != "" && !strings.HasPrefix(evt.Type, typePrefix) {
				continue
			}
			if paymentFilter != "" && strings.ToLower(evt.Attributes["paymentHash"]) != paymentFilter {
				continue
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(streamEvent{Type: evt.Type, Attributes: evt.Attributes})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
