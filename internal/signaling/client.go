package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
)

type Options struct {
	Header         http.Header
	SendBuffer     int
	WriteWait      time.Duration
	WelcomeWait    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Log            *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.WelcomeWait <= 0 {
		o.WelcomeWait = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Client is the gorilla websocket Transport. It reconnects with exponential
// backoff whenever the socket drops.
type Client struct {
	url    string
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer
	subs   *registry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	id   string
	link *link
}

var _ Transport = (*Client)(nil)

// link is one physical socket.
type link struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

// Dial connects to the relay and waits for its welcome before returning.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	const op = "signaling.Dial"
	opts.setDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    url,
		opts:   opts,
		log:    opts.Log.With(slog.String("component", "signaling")),
		dialer: websocket.DefaultDialer,
		subs:   newRegistry(),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	l, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.attach(l)
	go c.run(l)
	return c, nil
}

func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) Subscribe(event string, h Handler) func() {
	return c.subs.subscribe(event, h)
}

func (c *Client) OnConnect(fn func(id string)) func() {
	return c.subs.onConnect(fn)
}

func (c *Client) OnDisconnect(fn func(err error)) func() {
	return c.subs.onDisconnect(fn)
}

// Emit queues one frame. It never blocks: a full buffer or a dropped socket
// returns ErrSignalingTransport and the frame is lost.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := domain.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l == nil {
		return fmt.Errorf("%w: not connected", domain.ErrSignalingTransport)
	}

	select {
	case <-l.done:
		return fmt.Errorf("%w: connection closed", domain.ErrSignalingTransport)
	default:
	}
	select {
	case l.send <- raw:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrSignalingTransport)
	}
}

func (c *Client) Close() error {
	c.cancel()
	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l != nil {
		l.close()
	}
	<-c.done
	return nil
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingTransport, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.opts.WelcomeWait))
	var frame domain.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: waiting for welcome: %v", domain.ErrSignalingTransport, err)
	}
	var welcome domain.WelcomePayload
	if frame.Event != domain.EventWelcome || json.Unmarshal(frame.Data, &welcome) != nil || welcome.ID == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: expected welcome, got %q", domain.ErrSignalingTransport, frame.Event)
	}
	_ = ws.SetReadDeadline(time.Time{})

	return &link{
		id:   welcome.ID,
		ws:   ws,
		send: make(chan []byte, c.opts.SendBuffer),
		done: make(chan struct{}),
	}, nil
}

func (c *Client) attach(l *link) {
	c.mu.Lock()
	c.link = l
	c.id = l.id
	c.mu.Unlock()
	go c.writePump(l)
	c.log.Info("connected", slog.String("conn_id", l.id))
}

func (c *Client) run(l *link) {
	defer close(c.done)

	for {
		cause := c.readPump(l)
		l.close()
		if c.ctx.Err() != nil {
			return
		}

		c.log.Warn("connection lost, reconnecting", slog.String("conn_id", l.id), sl.Err(cause))
		c.subs.disconnected(fmt.Errorf("%w: connection %s lost: %v", domain.ErrSignalingTransport, l.id, cause))
		next, err := c.reconnect()
		if err != nil {
			return
		}
		c.attach(next)
		c.subs.connected(next.id)
		l = next
	}
}

func (c *Client) reconnect() (*link, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.opts.MaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, c.ctx.Err()
		case <-timer.C:
		}

		l, err := c.connect(c.ctx)
		if err == nil {
			return l, nil
		}
		if errors.Is(c.ctx.Err(), context.Canceled) {
			return nil, c.ctx.Err()
		}
		c.log.Debug("reconnect failed", slog.Duration("retry_in", wait), sl.Err(err))
	}
}

// readPump dispatches frames until the socket fails and returns the read
// error.
func (c *Client) readPump(l *link) error {
	for {
		_, raw, err := l.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("socket closed unexpectedly", sl.Err(err))
			}
			return err
		}

		var frame domain.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug("dropping malformed frame", sl.Err(err))
			continue
		}
		if c.subs.dispatch(frame.Event, frame.Data) == 0 && frame.Event == domain.EventError {
			var payload domain.ErrorPayload
			_ = json.Unmarshal(frame.Data, &payload)
			c.log.Warn("relay reported an error",
				slog.String("event", payload.Event),
				slog.String("code", payload.Code),
				slog.String("message", payload.Message),
			)
		}
	}
}

func (c *Client) writePump(l *link) {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", sl.Err(err))
				l.close()
				return
			}
		}
	}
}
