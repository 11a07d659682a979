// Package bridge relays Kick's public Pusher feed to browser clients and
// records subscription events as they pass through.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"fanbase/metrics"
	"fanbase/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscription          = `App\Events\SubscriptionEvent`
	EventGiftedSubscriptions   = `App\Events\GiftedSubscriptionsEvent`

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	dedupeWindow   = 30 * time.Second
)

// Envelope is a Pusher protocol frame. Inbound data is a JSON encoded
// string; outbound data is a plain object.
type Envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// Payload returns Data with one level of string encoding removed.
func (e Envelope) Payload() []byte {
	if len(e.Data) > 0 && e.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(e.Data, &s); err == nil {
			return []byte(s)
		}
	}
	return e.Data
}

type SubscriptionPayload struct {
	Username string `json:"username"`
	Months   int    `json:"months"`
}

type GiftedSubscriptionsPayload struct {
	GiftedUsernames []string `json:"gifted_usernames"`
	GifterUsername  string   `json:"gifter_username"`
}

// Recorder persists subscription activity seen on the feed.
type Recorder interface {
	RecordSubscription(ctx context.Context, username string, months int) error
	RecordGift(ctx context.Context, gifter string, recipients []string) error
}

type Options struct {
	UpstreamURL    string
	Channels       []string
	ReconnectDelay time.Duration
	AllowedOrigins []string
}

type Bridge struct {
	upstreamURL    string
	channels       []string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	upgrader       websocket.Upgrader
	recorder       Recorder
	log            *zap.Logger
	seen           *dedupe
}

func New(opts Options, recorder Recorder, log *zap.Logger) *Bridge {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Bridge{
		upstreamURL:    opts.UpstreamURL,
		channels:       opts.Channels,
		reconnectDelay: delay,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     utils.OriginChecker(opts.AllowedOrigins),
		},
		recorder: recorder,
		log:      log.Named("bridge"),
		seen:     newDedupe(dedupeWindow),
	}
}

// client is one browser connection.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, data)
}

// ServeWS upgrades the browser connection and holds one upstream connection
// for it until the browser disconnects. Channels may be overridden with
// repeated ?channel= query values.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	channels := b.channels
	if q := r.URL.Query()["channel"]; len(q) > 0 {
		channels = q
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	log := b.log.With(zap.String("client_id", c.id))

	metrics.BridgeConnections.Inc()
	defer metrics.BridgeConnections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conn.Close()

	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info("bridge client connected", zap.Strings("channels", channels))
	b.run(ctx, c, channels, log)
	log.Info("bridge client disconnected")
}

func (b *Bridge) run(ctx context.Context, c *client, channels []string, log *zap.Logger) {
	for {
		err := b.session(ctx, c, channels)
		if ctx.Err() != nil {
			return
		}
		log.Warn("upstream connection lost, reconnecting", zap.Error(err), zap.Duration("delay", b.reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}
	}
}

// session runs one upstream connection until it drops or ctx ends.
func (b *Bridge) session(ctx context.Context, c *client, channels []string) error {
	upstream, _, err := b.dialer.DialContext(ctx, b.upstreamURL, nil)
	if err != nil {
		return err
	}
	defer upstream.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-stop:
		}
	}()

	upstream.SetReadLimit(maxMessageSize)
	for {
		_, msg, err := upstream.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			b.log.Debug("ignoring non-json upstream frame", zap.Error(err))
			continue
		}

		switch env.Event {
		case EventConnectionEstablished:
			for _, ch := range channels {
				if err := writeEnvelope(upstream, EventSubscribe, map[string]string{"auth": "", "channel": ch}); err != nil {
					return err
				}
			}
		case EventPing:
			if err := writeEnvelope(upstream, EventPong, map[string]string{}); err != nil {
				return err
			}
		case EventSubscription, EventGiftedSubscriptions:
			b.record(ctx, env)
		}

		metrics.BridgeMessages.WithLabelValues(metricLabel(env.Event)).Inc()
		if err := c.write(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
}

func writeEnvelope(conn *websocket.Conn, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Envelope{Event: event, Data: raw})
}

func (b *Bridge) record(ctx context.Context, env Envelope) {
	if b.recorder == nil {
		return
	}
	payload := env.Payload()
	if !b.seen.first(env.Event, env.Channel, payload) {
		return
	}

	var err error
	switch env.Event {
	case EventSubscription:
		var p SubscriptionPayload
		if err = json.Unmarshal(payload, &p); err == nil {
			err = b.recorder.RecordSubscription(ctx, p.Username, p.Months)
		}
	case EventGiftedSubscriptions:
		var p GiftedSubscriptionsPayload
		if err = json.Unmarshal(payload, &p); err == nil {
			err = b.recorder.RecordGift(ctx, p.GifterUsername, p.GiftedUsernames)
		}
	}
	if err != nil {
		b.log.Warn("failed to record subscription event", zap.String("event", env.Event), zap.Error(err))
	}
}

func metricLabel(event string) string {
	if strings.HasPrefix(event, "pusher") || event == EventSubscription || event == EventGiftedSubscriptions {
		return event
	}
	return "other"
}

// dedupe remembers recently recorded events so that several clients
// bridging the same channel record each event once.
type dedupe struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newDedupe(window time.Duration) *dedupe {
	return &dedupe{window: window, seen: make(map[string]time.Time), now: time.Now}
}

func (d *dedupe) first(event, channel string, payload []byte) bool {
	h := sha256.New()
	h.Write([]byte(event))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write(payload)
	key := hex.EncodeToString(h.Sum(nil))

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = now
	return true
}
