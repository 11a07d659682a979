package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop(), []string{"*"})

	points := hub.Subscribe("user-1", "points")
	all := hub.Subscribe("user-1")
	other := hub.Subscribe("user-2", "points")
	defer points.Close()
	defer all.Close()
	defer other.Close()

	hub.Publish("user-1", "points", map[string]int{"total": 10})

	select {
	case ev := <-points.Events():
		assert.Equal(t, "points", ev.Topic)
		assert.JSONEq(t, `{"total":10}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("points subscriber did not receive event")
	}
	select {
	case <-all.Events():
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
	select {
	case <-other.Events():
		t.Fatal("other user must not receive event")
	default:
	}
}

func TestTopicFilter(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	sub := hub.Subscribe("user-1", "kick_link")
	defer sub.Close()

	hub.Publish("user-1", "points", map[string]int{"total": 1})

	select {
	case <-sub.Events():
		t.Fatal("subscriber should not receive other topics")
	default:
	}
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*3; i++ {
			hub.Publish("user-1", "points", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, sub.Events(), sendBuffer)
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	sub := hub.Subscribe("user-1")
	assert.Equal(t, 1, hub.Count("user-1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Count("user-1"))

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestServeWSStreamsEvents(t *testing.T) {
	hub := NewHub(zap.NewNop(), []string{"*"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "user-1", []string{"points"})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count("user-1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish("user-1", "points", map[string]int{"total": 42})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "points", ev.Topic)
	assert.JSONEq(t, `{"total":42}`, string(ev.Data))
}
