package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quizmesh/quizmesh/internal/analytics"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/shared"
	"go.uber.org/zap"
)

// Config holds the hub's connection policy knobs.
type Config struct {
	AllowedOrigins    []string
	MinClientVersion  string
	RequestsPerMinute int
	Burst             int
}

type roomJoin struct {
	conn      *clientConn
	sessionID string
}

type roomMessage struct {
	sessionID string
	data      []byte
	// fromBackplane marks deliveries that arrived from another
	// instance and must not be republished.
	fromBackplane bool
}

// Hub manages all student WebSocket connections, grouped into rooms
// keyed by session id so every device attached to a session sees the
// same stream.
type Hub struct {
	coord   *coordinator.Coordinator
	auth    Authenticator
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	minVersion *semver.Version
	instanceID string

	register   chan *clientConn
	unregister chan *clientConn
	joinRoom   chan roomJoin
	broadcasts chan roomMessage

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	conns    map[*clientConn]struct{}
	rooms    map[string]map[*clientConn]struct{}

	backplane Backplane

	ctx context.Context
}

func NewHub(ctx context.Context, coord *coordinator.Coordinator, auth Authenticator, cfg Config, logger *zap.Logger) (*Hub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}

	var minVersion *semver.Version
	if cfg.MinClientVersion != "" {
		v, err := semver.NewVersion(cfg.MinClientVersion)
		if err != nil {
			return nil, err
		}
		minVersion = v
	}

	h := &Hub{
		coord:      coord,
		auth:       auth,
		cfg:        cfg,
		logger:     logger,
		metrics:    GetMetrics(),
		minVersion: minVersion,
		instanceID: uuid.New().String(),
		register:   make(chan *clientConn),
		unregister: make(chan *clientConn),
		joinRoom:   make(chan roomJoin),
		broadcasts: make(chan roomMessage, 256),
		conns:      make(map[*clientConn]struct{}),
		rooms:      make(map[string]map[*clientConn]struct{}),
		ctx:        ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h, nil
}

// SetBackplane attaches a distribution backplane so room messages
// reach sessions homed on other instances.
func (h *Hub) SetBackplane(bp Backplane) {
	h.mu.Lock()
	h.backplane = bp
	h.mu.Unlock()

	bp.Subscribe(func(msg BackplaneMessage) {
		if msg.Origin == h.instanceID {
			return
		}
		select {
		case h.broadcasts <- roomMessage{sessionID: msg.SessionID, data: msg.Data, fromBackplane: true}:
		default:
			h.logger.Warn("dropping backplane delivery, broadcast queue full",
				zap.String("session_id", msg.SessionID),
			)
		}
	})
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for conn := range h.conns {
				close(conn.send)
				conn.conn.Close()
				delete(h.conns, conn)
			}
			h.rooms = make(map[string]map[*clientConn]struct{})
			h.mu.Unlock()
			h.metrics.SetActiveConnections(0)
			h.metrics.SetActiveRooms(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.conns[conn] = struct{}{}
			count := len(h.conns)
			h.mu.Unlock()
			h.metrics.SetActiveConnections(int64(count))
			h.logger.Info("client connected",
				zap.String("conn_id", conn.connID),
				zap.String("student_id", conn.studentID),
			)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[conn]; ok {
				delete(h.conns, conn)
				h.removeFromRoomLocked(conn)
				close(conn.send)
			}
			count := len(h.conns)
			roomCount := len(h.rooms)
			h.mu.Unlock()
			h.metrics.SetActiveConnections(int64(count))
			h.metrics.SetActiveRooms(int64(roomCount))
			h.logger.Info("client disconnected", zap.String("conn_id", conn.connID))

		case join := <-h.joinRoom:
			h.mu.Lock()
			h.removeFromRoomLocked(join.conn)
			room, ok := h.rooms[join.sessionID]
			if !ok {
				room = make(map[*clientConn]struct{})
				h.rooms[join.sessionID] = room
			}
			room[join.conn] = struct{}{}
			join.conn.room = join.sessionID
			roomCount := len(h.rooms)
			h.mu.Unlock()
			h.metrics.SetActiveRooms(int64(roomCount))

		case msg := <-h.broadcasts:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg roomMessage) {
	h.mu.Lock()
	for conn := range h.rooms[msg.sessionID] {
		select {
		case conn.send <- msg.data:
		default:
			h.logger.Warn("dropping slow client", zap.String("conn_id", conn.connID))
			delete(h.conns, conn)
			h.removeFromRoomLocked(conn)
			close(conn.send)
		}
	}
	backplane := h.backplane
	h.mu.Unlock()

	if backplane != nil && !msg.fromBackplane {
		go h.publishWithRetry(BackplaneMessage{
			Origin:    h.instanceID,
			SessionID: msg.sessionID,
			Data:      msg.data,
		})
	}
}

// publishWithRetry attempts the backplane publish a few times, then
// degrades to local-only delivery with a log line.
func (h *Hub) publishWithRetry(msg BackplaneMessage) {
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(h.ctx, time.Second)
		err := h.backplane.Publish(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		if attempt == 3 {
			h.logger.Warn("backplane publish failed, delivery degraded to local room",
				zap.String("session_id", msg.SessionID),
				zap.Error(err),
			)
			h.metrics.RecordError("backplane", "publish_failed")
			return
		}
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// removeFromRoomLocked drops the conn from its room and deletes the
// room when it empties. Caller holds h.mu.
func (h *Hub) removeFromRoomLocked(conn *clientConn) {
	if conn.room == "" {
		return
	}
	if room, ok := h.rooms[conn.room]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, conn.room)
		}
	}
	conn.room = ""
}

// BroadcastToRoom queues data for every connection in the session's
// room, and for other instances through the backplane.
func (h *Hub) BroadcastToRoom(sessionID string, data []byte) {
	select {
	case h.broadcasts <- roomMessage{sessionID: sessionID, data: data}:
	case <-h.ctx.Done():
	}
}

// PublishAnalytics pushes a session summary into the session's room.
// Implements the aggregator's publisher contract.
func (h *Hub) PublishAnalytics(sessionID string, summary analytics.SessionSummary) {
	env, err := shared.NewEnvelope(shared.MessageTypeAnalyticsUpdate, "", summary)
	if err != nil {
		h.logger.Error("failed to build analytics envelope", zap.Error(err))
		return
	}
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		h.logger.Error("failed to marshal analytics envelope", zap.Error(err))
		return
	}
	h.BroadcastToRoom(sessionID, data)
}

// ServeWS handles WebSocket upgrade requests with token auth (header
// or query param). The token identifies the student; session-level
// authorization happens at join.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}

	studentID, err := h.auth.Authenticate(token)
	if err != nil {
		h.metrics.RecordConnection("rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		h.metrics.RecordConnection("failed")
		return
	}
	h.metrics.RecordConnection("accepted")

	client := newClientConn(h, conn, uuid.New().String(), studentID)
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin",
		zap.String("origin", origin))
	return false
}

// checkClientVersion gates joins on the configured minimum client
// version. No configured minimum admits everything.
func (h *Hub) checkClientVersion(clientVersion string) error {
	if h.minVersion == nil {
		return nil
	}
	if clientVersion == "" {
		return shared.ErrUnsupportedClient
	}
	v, err := semver.NewVersion(strings.TrimPrefix(clientVersion, "v"))
	if err != nil {
		return shared.ErrUnsupportedClient
	}
	if v.LessThan(h.minVersion) {
		return shared.ErrUnsupportedClient
	}
	return nil
}
