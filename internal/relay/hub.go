package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/metrics"
	"github.com/immxrtalbeast/sigstream/internal/service"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
}

// Hub is the signaling relay. It owns every open socket, routes events
// between members of the same room and pushes registry changes to the
// affected sockets.
type Hub struct {
	rooms    service.RoomInteractor
	log      *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader
	routes   map[string]handlerFunc

	mu          sync.RWMutex
	conns       map[string]*Conn
	subscribers map[string]map[string]*Conn
}

func NewHub(rooms service.RoomInteractor, log *slog.Logger, m *metrics.Metrics, opts Options) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	opts.setDefaults()

	h := &Hub{
		rooms:   rooms,
		log:     log.With(slog.String("component", "relay")),
		metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:       make(map[string]*Conn),
		subscribers: make(map[string]map[string]*Conn),
	}
	h.routes = h.handlers()
	return h
}

// ServeWS upgrades the request and serves the socket until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("failed to upgrade connection", sl.Err(err))
		return
	}
	h.Serve(ws)
}

func (h *Hub) Serve(ws *websocket.Conn) {
	c := newConn(h, ws)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.metrics.Connections.Inc()
	c.log.Info("socket connected")

	go c.writePump()
	c.enqueue(domain.EventWelcome, domain.WelcomePayload{ID: c.ID})

	c.readPump()

	h.disconnect(c)
}

// Shutdown closes every socket.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// disconnect treats a dead socket as leaving every room it was part of.
func (h *Hub) disconnect(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
	h.metrics.Connections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, roomID := range c.trackedRooms() {
		h.leaveRoom(ctx, c, roomID)
	}
	c.close()
	c.log.Info("socket disconnected")
}

func (h *Hub) leaveRoom(ctx context.Context, c *Conn, roomID string) {
	h.unsubscribe(roomID, c.ID)
	c.untrackRoom(roomID)

	p, err := h.rooms.Leave(ctx, roomID, c.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrParticipantMissing) && !errors.Is(err, domain.ErrRoomNotFound) {
			c.log.Error("failed to leave room", slog.String("room_id", roomID), sl.Err(err))
		}
		return
	}

	event := domain.EventViewerLeft
	if p.IsHost() {
		event = domain.EventHostLeft
	}
	h.broadcast(roomID, event, domain.ViewerPayload{RoomID: roomID, ViewerID: c.ID, Name: p.DisplayName}, c.ID)
}

func (h *Hub) conn(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) subscribe(roomID string, c *Conn) {
	h.mu.Lock()
	subs, ok := h.subscribers[roomID]
	if !ok {
		subs = make(map[string]*Conn)
		h.subscribers[roomID] = subs
	}
	subs[c.ID] = c
	h.mu.Unlock()
	c.trackRoom(roomID)
}

func (h *Hub) unsubscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[roomID]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.subscribers, roomID)
	}
}

func (h *Hub) subscribed(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscribers[roomID][connID]
	return ok
}

// deliver sends to exactly one socket. Unknown ids are ignored.
func (h *Hub) deliver(connID, event string, payload any) bool {
	c := h.conn(connID)
	if c == nil {
		h.metrics.EventsDropped.WithLabelValues("no_recipient").Inc()
		return false
	}
	return c.enqueue(event, payload)
}

// broadcast sends to every socket that joined the room except exclude.
func (h *Hub) broadcast(roomID, event string, payload any, exclude string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.subscribers[roomID]))
	for id, c := range h.subscribers[roomID] {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(event, payload)
	}
}

// JoinRequested tells the host that someone is waiting.
func (h *Hub) JoinRequested(room *domain.Room, p domain.Participant) {
	h.track(room.ID, p.ID)
	h.deliver(hostID(room), domain.EventPendingJoin, domain.PendingJoinPayload{RoomID: room.ID, Participant: p})
}

// AdmissionDecided tells only the requester about the outcome.
func (h *Hub) AdmissionDecided(room *domain.Room, p domain.Participant) {
	event := domain.EventJoinApproved
	reason := ""
	if p.Status == domain.StatusRejected {
		event = domain.EventJoinRejected
		reason = domain.ErrAdmissionRejected.Error()
	}
	h.deliver(p.ID, event, domain.AdmissionPayload{
		RoomID:        room.ID,
		ParticipantID: p.ID,
		Status:        p.Status,
		Reason:        reason,
	})
}

// MemberRemoved notifies the removed member and tells the rest of the room
// to drop its links.
func (h *Hub) MemberRemoved(room *domain.Room, p domain.Participant) {
	h.deliver(p.ID, domain.EventMemberRemoved, domain.AdmissionPayload{
		RoomID:        room.ID,
		ParticipantID: p.ID,
		Status:        p.Status,
		Reason:        domain.ErrAdmissionRevoked.Error(),
	})
	h.unsubscribe(room.ID, p.ID)
	if c := h.conn(p.ID); c != nil {
		c.untrackRoom(room.ID)
	}
	h.broadcast(room.ID, domain.EventViewerLeft, domain.ViewerPayload{
		RoomID:   room.ID,
		ViewerID: p.ID,
		Name:     p.DisplayName,
	}, p.ID)
}

func (h *Hub) MembershipChanged(room *domain.Room) {
	members := room.MembersSnapshot()
	for _, m := range members {
		if m.Status == domain.StatusWaiting || m.Status == domain.StatusApproved {
			h.track(room.ID, m.ID)
		}
	}
	h.broadcast(room.ID, domain.EventMembershipChanged, domain.MembershipPayload{RoomID: room.ID, Members: members}, "")
}

// RoomEnded reaches both joined sockets and members still waiting.
func (h *Hub) RoomEnded(room *domain.Room, reason string) {
	payload := domain.MeetingEndedPayload{RoomID: room.ID, Reason: reason}

	recipients := make(map[string]*Conn)
	h.mu.Lock()
	for id, c := range h.subscribers[room.ID] {
		recipients[id] = c
	}
	delete(h.subscribers, room.ID)
	h.mu.Unlock()

	for _, m := range room.MembersSnapshot() {
		if c := h.conn(m.ID); c != nil {
			recipients[m.ID] = c
		}
	}

	for _, c := range recipients {
		c.untrackRoom(room.ID)
		c.enqueue(domain.EventMeetingEnded, payload)
	}
}

func (h *Hub) track(roomID, connID string) {
	if c := h.conn(connID); c != nil {
		c.trackRoom(roomID)
	}
}

func hostID(room *domain.Room) string {
	room.Mutex.RLock()
	defer room.Mutex.RUnlock()
	return room.HostID
}
