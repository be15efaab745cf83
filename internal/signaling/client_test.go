package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer greets every socket with a numbered id and echoes frames back.
// dropFirst makes it close the first socket right after the welcome.
type echoServer struct {
	count     atomic.Int32
	dropFirst bool
	upgrader  websocket.Upgrader
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	n := s.count.Add(1)
	welcome, _ := domain.NewFrame(domain.EventWelcome, domain.WelcomePayload{ID: fmt.Sprintf("c%d", n)})
	if err := ws.WriteJSON(welcome); err != nil {
		return
	}
	if s.dropFirst && n == 1 {
		time.Sleep(50 * time.Millisecond)
		return
	}

	for {
		var frame domain.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		if err := ws.WriteJSON(frame); err != nil {
			return
		}
	}
}

func startEcho(t *testing.T, dropFirst bool) string {
	t.Helper()
	srv := httptest.NewServer(&echoServer{dropFirst: dropFirst})
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions() Options {
	return Options{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDialWaitsForWelcome(t *testing.T) {
	url := startEcho(t, false)

	c, err := Dial(context.Background(), url, testOptions())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "c1", c.ID())
}

func TestEmitAndSubscribe(t *testing.T) {
	url := startEcho(t, false)
	c, err := Dial(context.Background(), url, testOptions())
	require.NoError(t, err)
	defer c.Close()

	got := make(chan domain.RoomRef, 1)
	unsubscribe := c.Subscribe(domain.EventJoinSession, func(data json.RawMessage) {
		var ref domain.RoomRef
		if json.Unmarshal(data, &ref) == nil {
			got <- ref
		}
	})

	require.NoError(t, c.Emit(context.Background(), domain.EventJoinSession, domain.RoomRef{RoomID: "r1"}))
	select {
	case ref := <-got:
		assert.Equal(t, "r1", ref.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	unsubscribe()
	unsubscribe()
	require.NoError(t, c.Emit(context.Background(), domain.EventJoinSession, domain.RoomRef{RoomID: "r2"}))
	select {
	case ref := <-got:
		t.Fatalf("unsubscribed handler called with %s", ref.RoomID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectAnnouncesNewID(t *testing.T) {
	url := startEcho(t, true)
	c, err := Dial(context.Background(), url, testOptions())
	require.NoError(t, err)
	defer c.Close()

	ids := make(chan string, 1)
	c.OnConnect(func(id string) { ids <- id })

	select {
	case id := <-ids:
		assert.Equal(t, "c2", id)
		assert.Equal(t, "c2", c.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
}

func TestDropIsReportedBeforeReconnect(t *testing.T) {
	url := startEcho(t, true)
	c, err := Dial(context.Background(), url, testOptions())
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var order []string
	drops := make(chan error, 1)
	c.OnDisconnect(func(err error) {
		mu.Lock()
		order = append(order, "down")
		mu.Unlock()
		drops <- err
	})
	up := make(chan string, 1)
	c.OnConnect(func(id string) {
		mu.Lock()
		order = append(order, "up")
		mu.Unlock()
		up <- id
	})

	select {
	case err := <-drops:
		assert.ErrorIs(t, err, domain.ErrSignalingTransport)
		assert.Contains(t, err.Error(), "c1")
	case <-time.After(2 * time.Second):
		t.Fatal("drop was not reported")
	}
	select {
	case id := <-up:
		assert.Equal(t, "c2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"down", "up"}, order)
}

func TestCloseIsNotReportedAsDrop(t *testing.T) {
	url := startEcho(t, false)
	c, err := Dial(context.Background(), url, testOptions())
	require.NoError(t, err)

	var drops atomic.Int32
	c.OnDisconnect(func(error) { drops.Add(1) })
	require.NoError(t, c.Close())
	assert.Zero(t, drops.Load())
}

func TestDialFailsWithoutServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, testOptions())
	assert.ErrorIs(t, err, domain.ErrSignalingTransport)
}

func TestEmitAfterCloseFails(t *testing.T) {
	url := startEcho(t, false)
	c, err := Dial(context.Background(), url, testOptions())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Emit(context.Background(), domain.EventPing, nil)
	assert.ErrorIs(t, err, domain.ErrSignalingTransport)
}

func TestSubscriptionsRelease(t *testing.T) {
	var mu sync.Mutex
	released := 0
	var subs Subscriptions
	for i := 0; i < 3; i++ {
		subs.Add(func() {
			mu.Lock()
			released++
			mu.Unlock()
		})
	}
	assert.Equal(t, 3, subs.Len())

	subs.Release()
	subs.Release()
	assert.Equal(t, 3, released)
	assert.Equal(t, 0, subs.Len())
}
