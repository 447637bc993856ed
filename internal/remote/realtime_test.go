package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/njoerd114/bookingsync/internal/model"
)

var upgrader = websocket.Upgrader{}

// realtimeServer upgrades each connection and hands it to script along with
// the 1-based connection number.
func realtimeServer(t *testing.T, script func(conn *websocket.Conn, n int)) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("apikey") != testKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		script(conn, int(conns.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// expectJoin reads the join frame and acknowledges it.
func expectJoin(t *testing.T, conn *websocket.Conn, wantTopic string) {
	t.Helper()
	var join phxMessage
	if err := conn.ReadJSON(&join); err != nil {
		t.Errorf("reading join: %v", err)
		return
	}
	if join.Event != eventJoin || join.Topic != wantTopic {
		t.Errorf("join = %s on %s, want phx_join on %s", join.Event, join.Topic, wantTopic)
	}
	var cfg joinConfig
	if err := json.Unmarshal(join.Payload, &cfg); err != nil || len(cfg.Config.PostgresChanges) != 1 {
		t.Errorf("join payload = %s", join.Payload)
	}
	_ = conn.WriteJSON(phxMessage{
		Topic:   join.Topic,
		Event:   eventReply,
		Payload: json.RawMessage(`{"status":"ok","response":{}}`),
		Ref:     join.Ref,
	})
}

func change(topic, kind string) phxMessage {
	return phxMessage{
		Topic:   topic,
		Event:   eventPostgresChanges,
		Payload: json.RawMessage(`{"data":{"type":"` + kind + `","table":"appointments"}}`),
	}
}

// drain reads until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextNotification(t *testing.T, ch <-chan model.Notification) model.Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		if !ok {
			t.Fatal("notification channel closed")
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return model.Notification{}
}

func TestSubscribe_DeliversChangeEvents(t *testing.T) {
	topic := topicFor(model.TypeAppointment)
	srv := realtimeServer(t, func(conn *websocket.Conn, _ int) {
		expectJoin(t, conn, topic)
		_ = conn.WriteJSON(phxMessage{Topic: topic, Event: "presence_state", Payload: json.RawMessage(`{}`)})
		_ = conn.WriteJSON(change("realtime:public:patients", "INSERT"))
		for _, kind := range []string{"INSERT", "UPDATE", "DELETE"} {
			_ = conn.WriteJSON(change(topic, kind))
		}
		drain(conn)
	})

	c := newTestClient(t, srv.URL, testKey)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Appointments().Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, want := range []string{"INSERT", "UPDATE", "DELETE"} {
		n := nextNotification(t, ch)
		if n.Type != model.TypeAppointment || n.Event != want {
			t.Errorf("notification = %+v, want %s on appointment", n, want)
		}
		if n.At.IsZero() {
			t.Error("notification without timestamp")
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected notification after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscribe_BroadcastEvent(t *testing.T) {
	topic := topicFor(model.TypePatient)
	srv := realtimeServer(t, func(conn *websocket.Conn, _ int) {
		expectJoin(t, conn, topic)
		_ = conn.WriteJSON(phxMessage{Topic: topic, Event: eventBroadcast, Payload: json.RawMessage(`{"event":"patients update"}`)})
		drain(conn)
	})

	c := newTestClient(t, srv.URL, testKey)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Patients().Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := nextNotification(t, ch); n.Event != eventBroadcast || n.Type != model.TypePatient {
		t.Errorf("notification = %+v", n)
	}
}

func TestSubscribe_ReconnectsAfterDrop(t *testing.T) {
	topic := topicFor(model.TypeAppointment)
	srv := realtimeServer(t, func(conn *websocket.Conn, n int) {
		expectJoin(t, conn, topic)
		if n == 1 {
			_ = conn.WriteJSON(change(topic, "INSERT"))
			return // drop the connection
		}
		_ = conn.WriteJSON(change(topic, "UPDATE"))
		drain(conn)
	})

	c := newTestClient(t, srv.URL, testKey)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Appointments().Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var events []string
	for range 3 {
		events = append(events, nextNotification(t, ch).Event)
	}
	want := []string{"INSERT", "reconnect", "UPDATE"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestSubscribe_RejectedHandshake(t *testing.T) {
	srv := realtimeServer(t, func(*websocket.Conn, int) {})
	c := newTestClient(t, srv.URL, "wrong-key")

	_, err := c.Appointments().Subscribe(context.Background())
	if !errors.Is(err, ErrRemoteRejected) {
		t.Errorf("error = %v, want ErrRemoteRejected", err)
	}
}

func TestSubscribe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, testKey)
	_, err := c.Patients().Subscribe(context.Background())
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("error = %v, want ErrRemoteUnavailable", err)
	}
}

func TestSubscribe_SendsHeartbeats(t *testing.T) {
	topic := topicFor(model.TypePatient)
	got := make(chan string, 1)
	srv := realtimeServer(t, func(conn *websocket.Conn, _ int) {
		expectJoin(t, conn, topic)
		for {
			var m phxMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if m.Topic == "phoenix" && m.Event == eventHeartbeat {
				select {
				case got <- m.Event:
				default:
				}
			}
		}
	})

	c := newTestClient(t, srv.URL, testKey)
	c.heartbeat = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Patients().Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}
