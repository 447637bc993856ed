package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/njoerd114/bookingsync/internal/model"
)

// Realtime protocol constants (Phoenix channels, vsn 1.0.0).
const (
	realtimePath = "realtime/v1/websocket"

	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"

	eventPostgresChanges = "postgres_changes"
	eventBroadcast       = "broadcast"

	// notificationBuffer absorbs bursts while the consumer runs a sync cycle.
	notificationBuffer = 64
)

// phxMessage is one frame on the realtime socket.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type joinConfig struct {
	Config struct {
		Broadcast       map[string]bool  `json:"broadcast"`
		PostgresChanges []postgresFilter `json:"postgres_changes"`
	} `json:"config"`
}

type postgresFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func topicFor(typ model.EntityType) string {
	return "realtime:public:" + typ.Table()
}

// subscribe dials the realtime socket, joins the table's channel, and
// forwards change events until ctx is cancelled. The first dial happens
// synchronously so configuration errors surface to the caller.
func (c *Client) subscribe(ctx context.Context, typ model.EntityType) (<-chan model.Notification, error) {
	conn, err := c.dialRealtime(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", typ.Table(), err)
	}

	out := make(chan model.Notification, notificationBuffer)
	go c.runRealtime(ctx, conn, typ, out)
	return out, nil
}

// runRealtime owns out. It reconnects with exponential backoff whenever the
// session ends for any reason other than cancellation.
func (c *Client) runRealtime(ctx context.Context, conn *websocket.Conn, typ model.EntityType, out chan<- model.Notification) {
	defer close(out)
	b := c.backOff()

	for {
		err := c.session(ctx, conn, typ, out)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("realtime connection lost", "type", typ, "error", err)

		for {
			wait := b.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			conn, err = c.dialRealtime(ctx)
			if err == nil {
				break
			}
			c.logger.Error("realtime reconnect failed", "type", typ, "error", err)
		}
		b.Reset()
		c.logger.Info("realtime reconnected", "type", typ)

		// Changes made while disconnected were not delivered.
		if !c.emit(ctx, out, model.Notification{Type: typ, Event: "reconnect", At: c.now()}) {
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) dialRealtime(ctx context.Context) (*websocket.Conn, error) {
	u := c.baseURL.JoinPath(realtimePath)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	hdr := http.Header{}
	hdr.Set("apikey", c.apiKey)
	hdr.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := dialer.DialContext(ctx, u.String(), hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: realtime handshake: status %d", ErrRemoteRejected, resp.StatusCode)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("realtime dial: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: realtime dial: %w", ErrRemoteUnavailable, err)
	}
	return conn, nil
}

// session joins the channel on conn and pumps events into out. It always
// closes conn before returning.
func (c *Client) session(ctx context.Context, conn *websocket.Conn, typ model.EntityType, out chan<- model.Notification) error {
	topic := topicFor(typ)
	var writeMu sync.Mutex
	ref := 0
	send := func(m phxMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ref++
		r := strconv.Itoa(ref)
		m.Ref = &r
		_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
		return conn.WriteJSON(m)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	var join joinConfig
	join.Config.Broadcast = map[string]bool{"self": false}
	join.Config.PostgresChanges = []postgresFilter{{Event: "*", Schema: "public", Table: typ.Table()}}
	payload, _ := json.Marshal(join) //nolint:errcheck // fixed struct always marshals
	if err := send(phxMessage{Topic: topic, Event: eventJoin, Payload: payload}); err != nil {
		return fmt.Errorf("joining %s: %w", topic, err)
	}

	go func() {
		t := time.NewTicker(c.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := send(phxMessage{Topic: "phoenix", Event: eventHeartbeat, Payload: json.RawMessage(`{}`)}); err != nil {
					c.logger.Debug("realtime heartbeat failed", "type", typ, "error", err)
					return
				}
			}
		}
	}()

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading realtime frame: %w", err)
		}
		if msg.Topic != topic {
			continue
		}

		switch msg.Event {
		case eventReply:
			if status := replyStatus(msg.Payload); status != "" && status != "ok" {
				return fmt.Errorf("%w: realtime channel %s replied %q", ErrRemoteRejected, topic, status)
			}
		case eventError, eventClose:
			return fmt.Errorf("realtime channel %s: %s", topic, msg.Event)
		case eventPostgresChanges, eventBroadcast, "INSERT", "UPDATE", "DELETE":
			n := model.Notification{Type: typ, Event: changeKind(msg), At: c.now()}
			c.logger.Debug("remote change", "type", typ, "event", n.Event)
			if !c.emit(ctx, out, n) {
				return ctx.Err()
			}
		default:
			// presence_state, presence_diff, system and anything newer.
		}
	}
}

// emit delivers n unless ctx ends first.
func (c *Client) emit(ctx context.Context, out chan<- model.Notification, n model.Notification) bool {
	select {
	case out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

func replyStatus(payload json.RawMessage) string {
	var r struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &r); err != nil {
		return ""
	}
	return r.Status
}

// changeKind extracts INSERT/UPDATE/DELETE from a postgres_changes payload,
// falling back to the frame's event name.
func changeKind(msg phxMessage) string {
	var p struct {
		Data struct {
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Data.Type != "" {
		return p.Data.Type
	}
	return msg.Event
}
