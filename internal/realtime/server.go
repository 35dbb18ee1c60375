package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"lifetracker/internal/pomodoro"
	"lifetracker/internal/protocol"
	"lifetracker/internal/storage"

	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	commandTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// SessionEngine is the part of the pomodoro engine the server drives.
type SessionEngine interface {
	Start(ctx context.Context, userID string, req pomodoro.StartSessionRequest) (pomodoro.Snapshot, bool, error)
	Pause(ctx context.Context, id string) (pomodoro.Snapshot, error)
	Resume(ctx context.Context, id string) (pomodoro.Snapshot, error)
	Stop(ctx context.Context, id string) (pomodoro.Snapshot, error)
	Status(id string) (pomodoro.Snapshot, bool)
	ActiveForUser(ctx context.Context, userID string) (pomodoro.Snapshot, bool, error)
	List() []pomodoro.Snapshot
	Subscribe(userID string) (string, <-chan pomodoro.Event, []pomodoro.Event)
	Unsubscribe(userID, subID string)
}

// RecordReader reads persisted session and study history.
type RecordReader interface {
	ListRecords(ctx context.Context, userID string, limit int) ([]pomodoro.Record, error)
	ListStudyRecords(ctx context.Context, userID string) ([]storage.StudyEntry, error)
	TotalStudyMinutes(ctx context.Context, userID string, from, to time.Time) (int, error)
}

// Server manages WebSocket connections and the REST API in front of the
// pomodoro engine. Each client is subscribed to its own user's events.
type Server struct {
	engine    SessionEngine
	records   RecordReader
	clients   map[*client]bool
	clientsMu sync.RWMutex
	staticDir string
	logger    *slog.Logger
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	userID string
	subID  string
	// forwardDone is closed once the event forwarder has stopped writing to send.
	forwardDone chan struct{}
}

// New creates a new realtime server.
func New(engine SessionEngine, records RecordReader, staticDir string) *Server {
	return &Server{
		engine:    engine,
		records:   records,
		clients:   make(map[*client]bool),
		staticDir: staticDir,
		logger:    slog.Default().With("component", "realtime"),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /api/pomodoro/start", s.handleStart)
	mux.HandleFunc("POST /api/pomodoro/pause/{id}", s.handlePause)
	mux.HandleFunc("POST /api/pomodoro/resume/{id}", s.handleResume)
	mux.HandleFunc("POST /api/pomodoro/stop/{id}", s.handleStop)
	mux.HandleFunc("GET /api/pomodoro/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/pomodoro/active", s.handleActive)
	mux.HandleFunc("GET /api/pomodoro/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/pomodoro/history", s.handleHistory)
	mux.HandleFunc("GET /api/study-records", s.handleStudyRecords)
	mux.HandleFunc("GET /api/study-records/summary", s.handleStudySummary)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// userFromRequest returns the caller identity: the X-User-ID header, or the
// user_id query parameter.
func userFromRequest(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.URL.Query().Get("user_id")
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeUnauthorized(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, 256),
		server:      s,
		userID:      userID,
		forwardDone: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	subID, ch, history := s.engine.Subscribe(userID)
	c.subID = subID

	// Replay recent lifecycle events, then the current state.
	for _, ev := range history {
		s.sendEvent(c, ev)
	}
	s.sendActive(r.Context(), c)

	go c.forward(ch)
	go c.writePump()
	go c.readPump()
}

// forward relays engine events to the client until the subscription closes.
func (c *client) forward(ch <-chan pomodoro.Event) {
	defer close(c.forwardDone)
	for ev := range ch {
		c.server.sendEvent(c, ev)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "user", c.userID, "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Closing the subscription ends the forwarder; only then is send safe to close.
	s.engine.Unsubscribe(c.userID, c.subID)
	<-c.forwardDone
	close(c.send)
}

// CloseClients drops every WebSocket connection, for shutdown.
func (s *Server) CloseClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeSessionStart:
		s.handleWSStart(ctx, c, msg)
	case protocol.TypeSessionPause, protocol.TypeSessionResume, protocol.TypeSessionStop:
		s.handleWSTransition(ctx, c, msg)
	case protocol.TypeSessionStatus:
		s.handleWSStatus(ctx, c, msg)
	}
}

func (s *Server) handleWSStart(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionStartPayload
	json.Unmarshal(msg.Payload, &payload)

	req, err := pomodoro.NewStartRequest(payload.DurationMinutes, payload.IsCountUp, payload.TaskID)
	if err != nil {
		s.sendError(c, protocol.CodeFor(err), err.Error())
		return
	}

	snap, existing, err := s.engine.Start(ctx, c.userID, req)
	if err != nil {
		s.sendError(c, protocol.CodeFor(err), err.Error())
		if snap.ID == "" {
			return
		}
	}
	// A new session announces itself through the event stream.
	if existing {
		s.sendUpdate(c, "existing", &snap)
	}
}

func (s *Server) handleWSTransition(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if !s.owns(c.userID, payload.SessionID) {
		s.sendError(c, protocol.ErrSessionNotFound, "session "+payload.SessionID+" not found")
		return
	}

	var err error
	switch msg.Type {
	case protocol.TypeSessionPause:
		_, err = s.engine.Pause(ctx, payload.SessionID)
	case protocol.TypeSessionResume:
		_, err = s.engine.Resume(ctx, payload.SessionID)
	case protocol.TypeSessionStop:
		_, err = s.engine.Stop(ctx, payload.SessionID)
	}
	if err != nil {
		s.sendError(c, protocol.CodeFor(err), err.Error())
	}
}

func (s *Server) handleWSStatus(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if payload.SessionID == "" {
		s.sendActive(ctx, c)
		return
	}

	snap, ok := s.engine.Status(payload.SessionID)
	if !ok || snap.UserID != c.userID {
		s.sendError(c, protocol.ErrSessionNotFound, "session "+payload.SessionID+" not found")
		return
	}
	s.sendUpdate(c, "status", &snap)
}

// sendActive pushes the user's active session, or a null session.
func (s *Server) sendActive(ctx context.Context, c *client) {
	snap, live, err := s.engine.ActiveForUser(ctx, c.userID)
	if err != nil {
		s.sendError(c, protocol.CodeFor(err), err.Error())
		return
	}
	if !live {
		s.sendUpdate(c, "status", nil)
		return
	}
	s.sendUpdate(c, "status", &snap)
}

// owns reports whether userID may act on session id. Sessions not in memory
// are left to the engine, which recovers them by id.
func (s *Server) owns(userID, id string) bool {
	snap, ok := s.engine.Status(id)
	return !ok || snap.UserID == userID
}

func (s *Server) sendEvent(c *client, ev pomodoro.Event) {
	msg, err := protocol.EventMessage(ev)
	if err != nil {
		return
	}
	s.sendMessage(c, msg)
}

func (s *Server) sendUpdate(c *client, event string, snap *pomodoro.Snapshot) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, protocol.SessionUpdatePayload{
		Event:   event,
		Session: snap,
	})
	if err != nil {
		return
	}
	s.sendMessage(c, msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	s.sendMessage(c, msg)
}

func (s *Server) sendMessage(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}
