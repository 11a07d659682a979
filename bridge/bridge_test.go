package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRecorder struct {
	mu    sync.Mutex
	subs  []SubscriptionPayload
	gifts []GiftedSubscriptionsPayload
}

func (f *fakeRecorder) RecordSubscription(_ context.Context, username string, months int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, SubscriptionPayload{Username: username, Months: months})
	return nil
}

func (f *fakeRecorder) RecordGift(_ context.Context, gifter string, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gifts = append(f.gifts, GiftedSubscriptionsPayload{GifterUsername: gifter, GiftedUsernames: recipients})
	return nil
}

func (f *fakeRecorder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs), len(f.gifts)
}

func pusherFrame(t *testing.T, event, channel string, data interface{}) []byte {
	t.Helper()
	inner, err := json.Marshal(data)
	require.NoError(t, err)
	encoded, err := json.Marshal(string(inner))
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Channel: channel, Data: encoded})
	require.NoError(t, err)
	return frame
}

func wsURL(u string) string {
	return "ws" + strings.TrimPrefix(u, "http")
}

// fakePusher sends connection_established, waits for a subscribe, then
// emits the given frames and optionally hangs up.
func fakePusher(t *testing.T, frames [][]byte, hangUp bool, connections *int32, subscribed chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(connections, 1)

		established := pusherFrame(t, EventConnectionEstablished, "", map[string]interface{}{"socket_id": "1.2", "activity_timeout": 120})
		if err := conn.WriteMessage(websocket.TextMessage, established); err != nil {
			return
		}
		if hangUp {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(msg, &env) == nil && env.Event == EventSubscribe && subscribed != nil {
			var data map[string]string
			json.Unmarshal(env.Data, &data)
			subscribed <- data["channel"]
		}

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestBridgeForwardsAndRecords(t *testing.T) {
	var connections int32
	subscribed := make(chan string, 1)
	frames := [][]byte{
		pusherFrame(t, EventSubscription, "chatrooms.1.v2", map[string]interface{}{"username": "FanOne", "months": 3}),
		pusherFrame(t, EventGiftedSubscriptions, "chatrooms.1.v2", map[string]interface{}{"gifted_usernames": []string{"a", "b"}, "gifter_username": "generous"}),
	}
	upstream := fakePusher(t, frames, false, &connections, subscribed)
	defer upstream.Close()

	rec := &fakeRecorder{}
	b := New(Options{
		UpstreamURL:    wsURL(upstream.URL),
		Channels:       []string{"chatrooms.1.v2"},
		ReconnectDelay: 10 * time.Millisecond,
		AllowedOrigins: []string{"*"},
	}, rec, zap.NewNop())

	front := httptest.NewServer(http.HandlerFunc(b.ServeWS))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ch := <-subscribed:
		assert.Equal(t, "chatrooms.1.v2", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not subscribe upstream")
	}

	var events []string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(events) < 3 {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		events = append(events, env.Event)
	}
	assert.Equal(t, []string{EventConnectionEstablished, EventSubscription, EventGiftedSubscriptions}, events)

	require.Eventually(t, func() bool {
		subs, gifts := rec.counts()
		return subs == 1 && gifts == 1
	}, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, "FanOne", rec.subs[0].Username)
	assert.Equal(t, 3, rec.subs[0].Months)
	assert.Equal(t, "generous", rec.gifts[0].GifterUsername)
	assert.Equal(t, []string{"a", "b"}, rec.gifts[0].GiftedUsernames)
	rec.mu.Unlock()
}

func TestBridgeReconnectsAfterUpstreamDrop(t *testing.T) {
	var connections int32
	upstream := fakePusher(t, nil, true, &connections, nil)
	defer upstream.Close()

	b := New(Options{
		UpstreamURL:    wsURL(upstream.URL),
		ReconnectDelay: 10 * time.Millisecond,
	}, nil, zap.NewNop())

	front := httptest.NewServer(http.HandlerFunc(b.ServeWS))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&connections) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeAnswersPing(t *testing.T) {
	pong := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"pusher:ping","data":"{}"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(msg, &env) == nil && env.Event == EventPong {
				pong <- struct{}{}
			}
		}
	}))
	defer upstream.Close()

	b := New(Options{UpstreamURL: wsURL(upstream.URL), ReconnectDelay: time.Second}, nil, zap.NewNop())
	front := httptest.NewServer(http.HandlerFunc(b.ServeWS))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not answer pusher:ping")
	}
}

func TestRecordDeduplicatesAcrossClients(t *testing.T) {
	rec := &fakeRecorder{}
	b := New(Options{UpstreamURL: "ws://unused"}, rec, zap.NewNop())

	raw := pusherFrame(t, EventGiftedSubscriptions, "chatrooms.1.v2", map[string]interface{}{"gifted_usernames": []string{"x"}, "gifter_username": "g"})
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	b.record(context.Background(), env)
	b.record(context.Background(), env)

	_, gifts := rec.counts()
	assert.Equal(t, 1, gifts)
}

func TestEnvelopePayload(t *testing.T) {
	env := Envelope{Data: json.RawMessage(`"{\"username\":\"x\",\"months\":2}"`)}
	assert.JSONEq(t, `{"username":"x","months":2}`, string(env.Payload()))

	env = Envelope{Data: json.RawMessage(`{"channel":"c"}`)}
	assert.JSONEq(t, `{"channel":"c"}`, string(env.Payload()))
}
