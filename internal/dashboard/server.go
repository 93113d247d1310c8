package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"opsdash/internal/conversation"
	"opsdash/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	defaultPushInterval = 250 * time.Millisecond
	writeWait           = 5 * time.Second
)

type ServerOptions struct {
	Addr         string
	PushInterval time.Duration // snapshot coalescing window for /ws
	MetricsPath  string        // empty disables the metrics endpoint
	Logger       *slog.Logger
}

// Server is the read surface for view consumers plus the user intents the
// reconcilers accept (select, mark read, refresh).
type Server struct {
	session *Session
	opts    ServerOptions
	logger  *slog.Logger
	server  *http.Server

	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	pending  bool
	stopPush func()
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// wsEnvelope frames every message pushed over /ws.
type wsEnvelope struct {
	Type  string `json:"type"` // "state"
	State State  `json:"state"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard binds to loopback by default
	},
}

func NewServer(session *Session, opts ServerOptions) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = defaultPushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		session: session,
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[*wsClient]struct{}),
	}
	s.stopPush = session.OnChange(s.schedulePush)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("POST /api/conversations/{id}/select", s.handleSelect)
	mux.HandleFunc("DELETE /api/conversations/selection", s.handleClearSelection)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("POST /api/notifications/read-all", s.handleMarkAllRead)
	mux.HandleFunc("POST /api/notifications/refresh", s.handleNotificationsRefresh)
	mux.HandleFunc("POST /api/stats/refresh", s.handleStatsRefresh)
	if s.opts.MetricsPath != "" {
		mux.HandleFunc("GET "+s.opts.MetricsPath, metrics.Collector.Handler())
	}
	return mux
}

// Serve listens on opts.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("dashboard server starting", "addr", s.opts.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.Close()
		return err
	}
}

// Close stops pushing and disconnects every WebSocket client.
func (s *Server) Close() {
	s.stopPush()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.session.Conversations.Select(id); err != nil {
		if errors.Is(err, conversation.ErrUnknownConversation) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"selected": id})
}

func (s *Server) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.session.Conversations.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	removed := s.session.Notifications.MarkAsRead(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"unread":  s.session.Notifications.Snapshot().Unread,
	})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	s.session.Notifications.MarkAllAsRead()
	writeJSON(w, http.StatusOK, map[string]int{"unread": 0})
}

func (s *Server) handleNotificationsRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Notifications.FetchUnread(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.session.Notifications.Snapshot())
}

func (s *Server) handleStatsRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stats.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"stats": s.session.Stats.Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.session.Stats.Snapshot())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	metrics.DashboardClients.Inc()
	s.logger.Info("dashboard client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		conn.Close()
		metrics.DashboardClients.Dec()
		s.logger.Info("dashboard client disconnected", "remote", r.RemoteAddr)
	}()

	if data, err := json.Marshal(wsEnvelope{Type: "state", State: s.session.State()}); err == nil {
		if err := client.write(data); err != nil {
			return
		}
	}

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

// schedulePush coalesces bursts of changes into one snapshot per window.
func (s *Server) schedulePush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending || len(s.clients) == 0 {
		return
	}
	s.pending = true
	time.AfterFunc(s.opts.PushInterval, s.push)
}

func (s *Server) push() {
	s.mu.Lock()
	s.pending = false
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(wsEnvelope{Type: "state", State: s.session.State()})
	if err != nil {
		s.logger.Error("marshal dashboard state", "err", err)
		return
	}
	for _, c := range clients {
		if err := c.write(data); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
