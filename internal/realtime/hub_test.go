package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinelgate/internal/logging"
)

func TestSubscription_Matches(t *testing.T) {
	decision := func(user, tier string, score float64) *Event {
		return &Event{Type: EventDecision, Data: map[string]any{"userId": user, "tier": tier, "score": score}}
	}

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"zero value passes everything", Subscription{}, decision("u1", "ALLOW", 0.1), true},
		{"event type kept", Subscription{EventTypes: []EventType{EventThreat}}, &Event{Type: EventThreat}, true},
		{"event type filtered", Subscription{EventTypes: []EventType{EventThreat}}, decision("u1", "ALLOW", 0), false},
		{"watched user", Subscription{UserIDs: []string{"attacker"}}, decision("attacker", "BLOCK", 1), true},
		{"other user", Subscription{UserIDs: []string{"attacker"}}, decision("someone", "BLOCK", 1), false},
		{"event without user", Subscription{UserIDs: []string{"attacker"}}, &Event{Type: EventDecision}, false},
		{"tier filtered", Subscription{Tiers: []string{"BLOCK"}}, decision("u1", "ALLOW", 0.1), false},
		{"below min score", Subscription{Tiers: []string{"THROTTLE", "BLOCK"}, MinScore: 0.9}, decision("u1", "THROTTLE", 0.82), false},
		{"above min score", Subscription{Tiers: []string{"THROTTLE", "BLOCK"}, MinScore: 0.9}, decision("u1", "BLOCK", 1.0), true},
		{"tier filter ignores verifications", Subscription{Tiers: []string{"BLOCK"}, MinScore: 0.9}, &Event{Type: EventVerification, Data: map[string]any{"score": 0.0}}, true},
	}
	for _, tt := range tests {
		if got := tt.sub.Matches(tt.event); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSameOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://gate.local/ws", nil)
	assert.True(t, sameOrigin(r), "no origin header")

	r.Header.Set("Origin", "https://gate.local")
	assert.True(t, sameOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, sameOrigin(r))
}

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(logging.Discard(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func TestHub_FanoutHonorsSubscription(t *testing.T) {
	h := startHub(t)

	threatsOnly := &watcher{out: make(chan []byte, sendBuffer)}
	threatsOnly.sub.Store(&Subscription{EventTypes: []EventType{EventThreat}})
	h.join <- threatsOnly

	h.Publish("decision", map[string]any{"userId": "u1", "tier": "ALLOW"})
	h.Publish("threat", map[string]any{"userId": "u1", "attackType": "high_frequency"})

	select {
	case msg := <-threatsOnly.out:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventThreat, ev.Type)
		assert.Equal(t, "high_frequency", ev.Data["attackType"])
	case <-time.After(time.Second):
		t.Fatal("threat event not delivered")
	}

	select {
	case msg := <-threatsOnly.out:
		t.Errorf("unexpected extra event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Eventually(t, func() bool { return h.Stats().EventsSent == 2 }, time.Second, 10*time.Millisecond)
}

func TestHub_LeaveUpdatesStats(t *testing.T) {
	h := startHub(t)
	w := newWatcher(nil)

	h.join <- w
	assert.Eventually(t, func() bool { return h.Stats().Watchers == 1 }, time.Second, 10*time.Millisecond)

	h.leave <- w
	assert.Eventually(t, func() bool { return h.Stats().Watchers == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.Stats().PeakWatchers)

	_, open := <-w.out
	assert.False(t, open, "buffer should be closed on leave")
}

func TestHub_SlowWatcherDropped(t *testing.T) {
	h := startHub(t)
	slow := &watcher{out: make(chan []byte)} // unbuffered and never read
	slow.sub.Store(&Subscription{})
	h.join <- slow

	h.Publish("decision", map[string]any{"userId": "u1"})
	assert.Eventually(t, func() bool { return h.Stats().Watchers == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_PublishDropsWhenQueueFull(t *testing.T) {
	h := NewHub(logging.Discard()) // not running, nothing drains the queue
	for i := 0; i < queueSize+5; i++ {
		h.Publish("decision", nil)
	}
	assert.Equal(t, int64(5), h.Stats().EventsDropped)
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	h := startHub(t, WithMaxWatchers(1))
	h.join <- newWatcher(nil)
	require.Eventually(t, func() bool { return h.Stats().Watchers == 1 }, time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketSubscription(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	sub, _ := json.Marshal(Subscription{UserIDs: []string{"watched"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))
	time.Sleep(100 * time.Millisecond)

	h.Publish("decision", map[string]any{"userId": "other", "tier": "ALLOW"})
	h.Publish("decision", map[string]any{"userId": "watched", "tier": "BLOCK"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "watched", ev.Data["userId"])
	assert.Equal(t, "BLOCK", ev.Data["tier"])
}
