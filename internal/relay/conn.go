package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
)

// Conn is one signaling socket. Its id doubles as the participant id in
// every room the socket joins.
type Conn struct {
	ID string

	ws     *websocket.Conn
	hub    *Hub
	send   chan []byte
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	rooms     map[string]struct{}
	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, hub.opts.SendBuffer),
		log:    hub.log.With(slog.String("conn_id", id)),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
}

// enqueue queues a frame without blocking. A full buffer drops the frame.
func (c *Conn) enqueue(event string, payload any) bool {
	frame, err := domain.NewFrame(event, payload)
	if err != nil {
		c.log.Error("failed to encode frame", slog.String("event", event), sl.Err(err))
		return false
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to encode frame", slog.String("event", event), sl.Err(err))
		return false
	}

	select {
	case <-c.ctx.Done():
		c.hub.metrics.EventsDropped.WithLabelValues("closed").Inc()
		return false
	default:
	}

	select {
	case c.send <- raw:
		c.hub.metrics.EventsDelivered.WithLabelValues(event).Inc()
		return true
	default:
		c.hub.metrics.EventsDropped.WithLabelValues("backpressure").Inc()
		c.log.Debug("dropping event", slog.String("event", event))
		return false
	}
}

func (c *Conn) sendError(event string, err error) {
	c.enqueue(domain.EventError, domain.ErrorPayload{
		Event:   event,
		Code:    domain.Code(err),
		Message: err.Error(),
	})
}

func (c *Conn) trackRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) untrackRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Conn) trackedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

// readPump runs on the serving goroutine and returns when the socket dies.
func (c *Conn) readPump() {
	opts := c.hub.opts
	c.ws.SetReadLimit(opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("socket closed unexpectedly", sl.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))

		var frame domain.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", domain.ErrValidation)
			continue
		}
		c.hub.dispatch(c, frame)
	}
}

func (c *Conn) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", sl.Err(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
