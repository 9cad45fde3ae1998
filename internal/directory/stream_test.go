package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)

	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:3000/ws", StreamURL("localhost", 3000, ""))
	assert.Equal(t, "ws://dht.lan:8080/events", StreamURL("dht.lan", 8080, "/events"))
}

func TestListener_DeliversAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"Persistent":{"topic_name":"a"}}`))
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"Persistent":{"topic_name":"b"}}`))
		// Hold the second connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	msgs := make(chan string, 4)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	l := NewListenerURL(wsURL, 10*time.Millisecond, 50*time.Millisecond, func(m []byte) {
		msgs <- string(m)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for _, want := range []string{`"a"`, `"b"`} {
		select {
		case m := <-msgs:
			assert.Contains(t, m, want)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	assert.Eventually(t, l.Connected, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
	assert.False(t, l.Connected())
}

func TestListener_RetriesWhileUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	l := NewListenerURL(wsURL, time.Millisecond, 5*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, l.Run(ctx))
	assert.False(t, l.Connected())
}
