// Package realtime streams admission activity over WebSocket so operators
// can watch decisions, threats and verifications as they happen instead of
// polling the history endpoints.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sentinelgate/internal/metrics"
)

// EventType names a stream event.
type EventType string

const (
	EventDecision     EventType = "decision"
	EventThreat       EventType = "threat"
	EventVerification EventType = "verification"
)

// Event is one message on the stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DefaultMaxWatchers caps concurrent WebSocket connections.
const DefaultMaxWatchers = 1000

const (
	queueSize     = 256
	sendBuffer    = 64
	maxMessage    = 4 * 1024
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	closeDeadline = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and same-host browser pages.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// watcher is one connected WebSocket client.
type watcher struct {
	conn *websocket.Conn
	out  chan []byte
	sub  atomic.Pointer[Subscription]
}

func newWatcher(conn *websocket.Conn) *watcher {
	w := &watcher{conn: conn, out: make(chan []byte, sendBuffer)}
	w.sub.Store(&Subscription{})
	return w
}

func (w *watcher) wants(e *Event) bool {
	return w.sub.Load().Matches(e)
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Watchers      int   `json:"watchers"`
	PeakWatchers  int   `json:"peakWatchers"`
	EventsSent    int64 `json:"eventsSent"`
	EventsDropped int64 `json:"eventsDropped"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxWatchers overrides DefaultMaxWatchers.
func WithMaxWatchers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxWatchers = n
		}
	}
}

// Hub fans events out to watchers. Publish never blocks: when the queue is
// full the event is dropped, and watchers that cannot keep up are
// disconnected.
type Hub struct {
	logger      *slog.Logger
	maxWatchers int

	queue chan *Event
	join  chan *watcher
	leave chan *watcher
	done  chan struct{}

	mu       sync.RWMutex
	watchers map[*watcher]struct{}
	peak     int

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:      logger,
		maxWatchers: DefaultMaxWatchers,
		queue:       make(chan *Event, queueSize),
		join:        make(chan *watcher),
		leave:       make(chan *watcher),
		done:        make(chan struct{}),
		watchers:    make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers events until ctx is canceled, then disconnects every watcher.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			h.logger.Info("realtime hub stopped")
			return
		case w := <-h.join:
			h.add(w)
		case w := <-h.leave:
			h.remove(w)
		case e := <-h.queue:
			h.fanout(e)
		}
	}
}

func (h *Hub) add(w *watcher) {
	h.mu.Lock()
	h.watchers[w] = struct{}{}
	n := len(h.watchers)
	h.peak = max(h.peak, n)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("watcher connected", "watchers", n)
}

func (h *Hub) remove(w *watcher) {
	h.mu.Lock()
	if _, ok := h.watchers[w]; ok {
		delete(h.watchers, w)
		close(w.out)
	}
	n := len(h.watchers)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("watcher disconnected", "watchers", n)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	for w := range h.watchers {
		close(w.out)
		delete(h.watchers, w)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// fanout encodes e once and queues it on every interested watcher. A
// watcher whose buffer is full is dropped.
func (h *Hub) fanout(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode realtime event", "type", e.Type, "error", err)
		return
	}
	h.sent.Add(1)

	var lagging []*watcher
	h.mu.RLock()
	for w := range h.watchers {
		if !w.wants(e) {
			continue
		}
		select {
		case w.out <- payload:
		default:
			lagging = append(lagging, w)
		}
	}
	h.mu.RUnlock()

	for _, w := range lagging {
		h.logger.Warn("dropping slow watcher")
		h.remove(w)
	}
}

// Publish queues an event of the given type. It satisfies the admission
// service's publisher interface.
func (h *Hub) Publish(eventType string, data map[string]any) {
	e := &Event{Type: EventType(eventType), Timestamp: time.Now().UTC(), Data: data}
	select {
	case h.queue <- e:
	default:
		h.dropped.Add(1)
		metrics.RealtimeEventsDropped.Inc()
		h.logger.Warn("realtime queue full, dropping event", "type", eventType)
	}
}

// Stats reports current and cumulative counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Watchers:      len(h.watchers),
		PeakWatchers:  h.peak,
		EventsSent:    h.sent.Load(),
		EventsDropped: h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events to it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().Watchers >= h.maxWatchers {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	wt := newWatcher(conn)

	select {
	case h.join <- wt:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writeLoop(wt)
	go h.readLoop(wt)
}

// readLoop applies subscription updates until the connection fails.
func (h *Hub) readLoop(w *watcher) {
	defer func() {
		select {
		case h.leave <- w:
		case <-h.done:
		}
		_ = w.conn.Close()
	}()

	w.conn.SetReadLimit(maxMessage)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			h.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		w.sub.Store(&sub)
	}
}

// writeLoop drains the watcher's buffer and keeps the connection alive.
func (h *Hub) writeLoop(w *watcher) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-w.out:
			if !ok {
				_ = w.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(closeDeadline))
				return
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
