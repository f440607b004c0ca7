package events

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Stream pushes published events to websocket subscribers.
// A subscriber that falls behind its buffer is disconnected.
type Stream struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	upgrader    websocket.Upgrader
	buffer      int
	logger      *zap.Logger
}

type subscriber struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan Event
}

var _ Publisher = (*Stream)(nil)

// NewStream creates an empty stream
func NewStream(logger *zap.Logger) *Stream {
	return &Stream{
		subscribers: make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer: 64,
		logger: logger,
	}
}

// ServeHTTP upgrades the request and streams events. A user_id query parameter
// or X-User-ID header limits the stream to that user's events.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade event stream", zap.Error(err))
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	sub := &subscriber{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan Event, s.buffer),
	}

	s.mu.Lock()
	s.subscribers[sub.id] = sub
	s.mu.Unlock()
	s.logger.Debug("Event stream subscriber connected",
		zap.String("subscriber_id", sub.id),
		zap.String("user_id", userID))

	go s.writePump(sub)
	s.readPump(sub)
}

// Publish queues ev for every matching subscriber
func (s *Stream) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.send <- ev:
		default:
			s.logger.Warn("Event stream subscriber too slow, disconnecting", zap.String("subscriber_id", id))
			delete(s.subscribers, id)
			close(sub.send)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Close disconnects every subscriber
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub.send)
	}
	return nil
}

func (s *Stream) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.id]; ok {
		delete(s.subscribers, sub.id)
		close(sub.send)
	}
}

// readPump discards client frames and detects disconnects
func (s *Stream) readPump(sub *subscriber) {
	defer func() {
		s.remove(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Event stream read failed", zap.String("subscriber_id", sub.id), zap.Error(err))
			}
			return
		}
	}
}

func (s *Stream) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Fanout publishes to several publishers and joins their errors
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
