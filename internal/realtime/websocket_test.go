package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opsdash/internal/domain"

	"github.com/gorilla/websocket"
)

// fakeRealtimeServer acknowledges joins and answers each one with a single
// postgres_changes frame for the joined table.
func fakeRealtimeServer(t *testing.T, joins chan<- phxFrame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame phxFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Event != "phx_join" {
				continue
			}
			joins <- frame
			conn.WriteJSON(phxFrame{Topic: frame.Topic, Event: "phx_reply", Ref: frame.Ref,
				Payload: json.RawMessage(`{"status":"ok","response":{}}`)})

			table := frame.Topic[strings.LastIndex(frame.Topic, ":")+1:]
			conn.WriteJSON(phxFrame{Topic: frame.Topic, Event: "postgres_changes",
				Payload: json.RawMessage(`{"data":{"schema":"public","table":"` + table +
					`","type":"INSERT","record":{"id":"1","status":"pending"},"commit_timestamp":"2026-03-01T10:00:00Z"}}`)})
		}
	}))
}

func TestWebSocketTransport_JoinAndReceive(t *testing.T) {
	joins := make(chan phxFrame, 1)
	srv := fakeRealtimeServer(t, joins)
	defer srv.Close()

	ws := NewWebSocketTransport(WebSocketConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey: "anon",
		Logger: testRTLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ws.Join(ctx, domain.TableOrders); err != nil {
		t.Fatalf("Join: %v", err)
	}

	select {
	case frame := <-joins:
		if frame.Topic != "realtime:public:orders" {
			t.Errorf("unexpected topic %q", frame.Topic)
		}
		if !strings.Contains(string(frame.Payload), `"table":"orders"`) {
			t.Errorf("join payload missing table config: %s", frame.Payload)
		}
	case <-ctx.Done():
		t.Fatal("server never saw the join")
	}

	select {
	case change := <-ws.Changes():
		if change.Table != domain.TableOrders || change.Kind != domain.ChangeInsert {
			t.Errorf("unexpected change %+v", change)
		}
		if change.CommitTime.IsZero() {
			t.Error("commit time not parsed")
		}
	case <-ctx.Done():
		t.Fatal("no change received")
	}

	if err := ws.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if _, ok := <-ws.Changes(); ok {
		t.Error("changes channel should be closed after Close")
	}
	if ws.Err() != nil {
		t.Errorf("deliberate close must not set an error, got %v", ws.Err())
	}
}

func TestWebSocketTransport_ConnectRejected(t *testing.T) {
	joins := make(chan phxFrame, 1)
	srv := fakeRealtimeServer(t, joins)
	defer srv.Close()

	ws := NewWebSocketTransport(WebSocketConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey: "wrong",
		Logger: testRTLogger(),
	})
	if err := ws.Connect(context.Background()); err == nil {
		ws.Close()
		t.Fatal("expected dial to fail with bad api key")
	}
	ws.Close()
}

func TestAdapter_OverWebSocket(t *testing.T) {
	joins := make(chan phxFrame, 2)
	srv := fakeRealtimeServer(t, joins)
	defer srv.Close()

	ws := NewWebSocketTransport(WebSocketConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey: "anon",
		Logger: testRTLogger(),
	})
	a := NewAdapter(ws, testRTLogger())
	defer a.Close()

	got := make(chan domain.Order, 1)
	a.Subscribe(domain.TableOrders, Filter{}, Typed(DecodeOrder, func(c domain.Change[domain.Order]) {
		got <- *c.New
	}))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case o := <-got:
		if o.Status != domain.OrderStatusPending {
			t.Errorf("unexpected order %+v", o)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no order delivered through adapter")
	}
}
