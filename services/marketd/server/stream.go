package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"nhbmarket/core/events"
	"nhbmarket/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// StreamMessage is the frame pushed to websocket subscribers.
type StreamMessage struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type subscriber struct {
	marketplace string
	ch          chan StreamMessage
}

// Stream fans committed events out to websocket subscribers. Slow
// subscribers lose messages rather than stall the market.
type Stream struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewStream() *Stream {
	return &Stream{subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (s *Stream) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	msg := StreamMessage{Type: evt.EventType(), Attributes: map[string]string{}}
	if payload, ok := evt.(interface{ Event() *types.Event }); ok {
		if e := payload.Event(); e != nil {
			for k, v := range e.Attributes {
				msg.Attributes[k] = v
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if sub.marketplace != "" && sub.marketplace != msg.Attributes["marketplace"] {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (s *Stream) subscribe(marketplace string) (*subscriber, func()) {
	sub := &subscriber{marketplace: marketplace, ch: make(chan StreamMessage, subscriberBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
}

// Subscribers reports the number of connected listeners.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Serve upgrades the request and streams events. A non-empty marketplace
// must be the bech32 registry address carried in event attributes.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, marketplace string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub, cancel := s.subscribe(marketplace)
	defer cancel()

	// Inbound frames are ignored; CloseRead cancels ctx once the peer leaves.
	ctx := conn.CloseRead(r.Context())
	if err := pump(ctx, conn, sub.ch); err != nil {
		if websocket.CloseStatus(err) == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func pump(ctx context.Context, conn *websocket.Conn, ch <-chan StreamMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
