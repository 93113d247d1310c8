package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"opsdash/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the realtime WebSocket transport.
type WebSocketConfig struct {
	URL       string // e.g. wss://project.supabase.co/realtime/v1/websocket
	APIKey    string
	Schema    string        // default: public
	Heartbeat time.Duration // default: 30s
	Buffer    int
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
}

// WebSocketTransport speaks the Phoenix-channel protocol of the realtime
// service: one "realtime:<schema>:<table>" topic per joined table, with
// postgres_changes frames carrying the row changes.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	changes chan domain.RawChange

	mu      sync.Mutex
	err     error
	closing bool

	stop      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// phxFrame is a Phoenix channel message.
type phxFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// NewWebSocketTransport creates a transport; Connect dials it.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketTransport{
		cfg:      cfg,
		logger:   cfg.Logger,
		changes:  make(chan domain.RawChange, cfg.Buffer),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (ws *WebSocketTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(ws.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if ws.cfg.APIKey != "" {
		q.Set("apikey", ws.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if ws.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+ws.cfg.APIKey)
	}

	conn, _, err := ws.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	ws.conn = conn

	go ws.readLoop()
	go ws.heartbeat()

	ws.logger.Info("realtime websocket connected", "host", u.Host)
	return nil
}

func (ws *WebSocketTransport) topic(table domain.Table) string {
	return "realtime:" + ws.cfg.Schema + ":" + string(table)
}

func (ws *WebSocketTransport) Join(ctx context.Context, table domain.Table) error {
	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": ws.cfg.Schema, "table": string(table)},
			},
		},
	}
	if ws.cfg.APIKey != "" {
		payload["access_token"] = ws.cfg.APIKey
	}
	return ws.send(ctx, ws.topic(table), "phx_join", payload)
}

func (ws *WebSocketTransport) Leave(ctx context.Context, table domain.Table) error {
	return ws.send(ctx, ws.topic(table), "phx_leave", map[string]any{})
}

func (ws *WebSocketTransport) send(ctx context.Context, topic, event string, payload any) error {
	if ws.conn == nil {
		return errors.New("realtime websocket not connected")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(phxFrame{Topic: topic, Event: event, Payload: body, Ref: uuid.NewString()})
	if err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.conn.SetWriteDeadline(deadline)
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketTransport) readLoop() {
	defer close(ws.readDone)
	defer close(ws.changes)

	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			ws.mu.Lock()
			closing := ws.closing
			if !closing {
				ws.err = fmt.Errorf("realtime websocket read: %w", err)
			}
			ws.mu.Unlock()
			return
		}

		var frame phxFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			ws.logger.Warn("invalid realtime frame", "err", err)
			continue
		}

		switch frame.Event {
		case "postgres_changes":
			var envelope struct {
				Data wireChange `json:"data"`
			}
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				ws.logger.Warn("invalid postgres_changes payload", "topic", frame.Topic, "err", err)
				continue
			}
			change, err := envelope.Data.raw()
			if err != nil {
				ws.logger.Warn("invalid postgres_changes payload", "topic", frame.Topic, "err", err)
				continue
			}
			select {
			case ws.changes <- change:
			case <-ws.stop:
				return
			}

		case "phx_reply":
			var reply phxReply
			if err := json.Unmarshal(frame.Payload, &reply); err == nil && reply.Status != "ok" {
				ws.logger.Error("realtime request rejected", "topic", frame.Topic, "status", reply.Status, "response", string(reply.Response))
			}

		case "phx_error", "phx_close":
			ws.logger.Warn("realtime channel closed by server", "topic", frame.Topic, "event", frame.Event)

		case "system":
			ws.logger.Debug("realtime system message", "topic", frame.Topic, "payload", string(frame.Payload))
		}
	}
}

// heartbeat keeps the Phoenix socket alive until Close.
func (ws *WebSocketTransport) heartbeat() {
	ticker := time.NewTicker(ws.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ws.stop:
			return
		case <-ws.readDone:
			return
		case <-ticker.C:
			if err := ws.send(context.Background(), "phoenix", "heartbeat", map[string]any{}); err != nil {
				ws.logger.Debug("realtime heartbeat failed", "err", err)
			}
		}
	}
}

func (ws *WebSocketTransport) Changes() <-chan domain.RawChange { return ws.changes }

func (ws *WebSocketTransport) Err() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.err
}

func (ws *WebSocketTransport) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.mu.Lock()
		ws.closing = true
		ws.mu.Unlock()
		close(ws.stop)

		if ws.conn == nil {
			close(ws.changes)
			return
		}
		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.writeMu.Unlock()
		err = ws.conn.Close()
		<-ws.readDone
	})
	return err
}
