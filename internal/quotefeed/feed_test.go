package quotefeed

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

	"order-engine/internal/domain"
	"order-engine/internal/quote"
	"order-engine/internal/storage/memory"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type recordingObserver struct {
	mu     sync.Mutex
	quotes []domain.Quote
	seen   chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{seen: make(chan struct{}, 100)}
}

func (r *recordingObserver) Observe(_ context.Context, q domain.Quote) (bool, error) {
	r.mu.Lock()
	r.quotes = append(r.quotes, q)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return true, nil
}

func (r *recordingObserver) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for quote %d of %d", i+1, n)
		}
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDecode(t *testing.T) {
	q, err := Decode([]byte(`{"token":"tok-yes","side":"BUY","best_bid":"0.41","best_ask":0.43,"ts":1767348000000}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if q.Token != "tok-yes" || q.Side != domain.SideBuy {
		t.Errorf("unexpected quote: %+v", q)
	}
	if q.BestBid.String() != "0.41" || q.BestAsk.String() != "0.43" {
		t.Errorf("prices: bid %s ask %s", q.BestBid, q.BestAsk)
	}
	if !q.ObservedAt.Equal(time.UnixMilli(1767348000000)) {
		t.Errorf("observed_at: %v", q.ObservedAt)
	}

	bad := []string{
		`not json`,
		`{"side":"BUY","ts":1}`,
		`{"token":"t","side":"HOLD","ts":1}`,
		`{"token":"t","side":"SELL"}`,
	}
	for _, s := range bad {
		if _, err := Decode([]byte(s)); err == nil {
			t.Errorf("Decode(%s): expected error", s)
		}
	}
}

func TestFeed_SubscribesAndForwards(t *testing.T) {
	subscribed := make(chan subscribeRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		var req subscribeRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		c.WriteMessage(websocket.TextMessage, []byte(`{"token":"tok-yes","side":"BUY","best_bid":"0.41","best_ask":"0.43","ts":1767348000000}`))
		c.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		c.WriteMessage(websocket.TextMessage, []byte(`{"token":"tok-yes","side":"SELL","best_bid":"0.40","best_ask":"0.42","ts":1767348001000}`))

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	obs := newRecordingObserver()
	feed := New(Options{
		Config:   Config{Endpoint: wsURL(server), Tokens: []string{"tok-yes"}},
		Observer: obs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	select {
	case req := <-subscribed:
		if req.Type != "subscribe" || len(req.Tokens) != 1 || req.Tokens[0] != "tok-yes" {
			t.Errorf("unexpected subscribe: %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe request")
	}

	obs.wait(t, 2)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	received, dropped := feed.Stats()
	if received != 2 || dropped != 1 {
		t.Errorf("stats: received %d dropped %d", received, dropped)
	}
}

func TestFeed_ReconnectsAfterDisconnect(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		n := connections.Add(1)
		var req subscribeRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		msg, _ := json.Marshal(map[string]any{
			"token": "tok-yes", "side": "BUY", "best_bid": "0.41", "best_ask": "0.43",
			"ts": 1767348000000 + int64(n)*1000,
		})
		c.WriteMessage(websocket.TextMessage, msg)
		// Drop the first connection right away.
		if n == 1 {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	store := memory.NewQuoteStore()
	gate := quote.New(quote.Options{Store: store})
	obs := newRecordingObserver()
	feed := New(Options{
		Config:   Config{Endpoint: wsURL(server), ReconnectDelay: 10 * time.Millisecond},
		Observer: observerFunc(func(ctx context.Context, q domain.Quote) (bool, error) {
			ok, err := gate.Observe(ctx, q)
			obs.Observe(ctx, q)
			return ok, err
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	obs.wait(t, 2)
	if connections.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", connections.Load())
	}

	q, err := store.Get(context.Background(), "tok-yes", domain.SideBuy)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := time.UnixMilli(1767348002000).UTC(); !q.ObservedAt.Equal(want) {
		t.Errorf("latest quote observed_at %v, want %v", q.ObservedAt, want)
	}
}

type observerFunc func(ctx context.Context, q domain.Quote) (bool, error)

func (f observerFunc) Observe(ctx context.Context, q domain.Quote) (bool, error) {
	return f(ctx, q)
}
