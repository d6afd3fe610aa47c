package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/shared"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 65536
)

// JoinedPayload is the outbound "joined" event body.
type JoinedPayload struct {
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
}

// SessionEndedPayload is the outbound "session_ended" event body.
type SessionEndedPayload struct {
	SessionID string `json:"session_id"`
}

type clientConn struct {
	hub       *Hub
	conn      *websocket.Conn
	connID    string
	studentID string
	send      chan []byte

	// limiter bounds inbound message processing for this connection.
	// Over-limit messages fail fast with a rate_limited error; the
	// connection stays up.
	limiter *rate.Limiter

	// room is the session id of the joined room. Owned by the hub run
	// loop; the conn only reads its own copy in sessionID.
	room      string
	sessionID string
}

func newClientConn(h *Hub, conn *websocket.Conn, connID, studentID string) *clientConn {
	return &clientConn{
		hub:       h,
		conn:      conn,
		connID:    connID,
		studentID: studentID,
		send:      make(chan []byte, 256),
		limiter:   rate.NewLimiter(rate.Limit(float64(h.cfg.RequestsPerMinute)/60.0), h.cfg.Burst),
	}
}

func (c *clientConn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					zap.String("conn_id", c.connID),
					zap.Error(err),
				)
			}
			return
		}

		env, err := shared.UnmarshalEnvelope(message)
		if err != nil {
			c.sendError("", err)
			continue
		}

		c.handleEnvelope(env)
	}
}

func (c *clientConn) handleEnvelope(env *shared.Envelope) {
	c.hub.metrics.RecordMessage(env.Type)

	if !c.limiter.Allow() {
		c.hub.metrics.RecordRateLimited()
		c.sendError(env.RequestID, shared.ErrRateLimited)
		return
	}

	switch shared.MessageType(env.Type) {
	case shared.MessageTypeJoin:
		c.handleJoin(env)
	case shared.MessageTypeResponse:
		c.handleResponse(env)
	case shared.MessageTypeEndSession:
		c.handleEndSession(env)
	case shared.MessageTypeHealth:
		c.sendEnvelope(shared.MessageTypeHealth, env.RequestID, map[string]string{"status": "ok"})
	case shared.MessageTypeStats:
		c.handleStats(env)
	default:
		c.hub.logger.Debug("ignoring unknown message type",
			zap.String("type", env.Type),
			zap.String("conn_id", c.connID),
		)
	}
}

func (c *clientConn) handleJoin(env *shared.Envelope) {
	var payload shared.JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.sendError(env.RequestID, shared.ErrInvalidPayload)
		return
	}
	if err := payload.Validate(); err != nil {
		c.sendError(env.RequestID, err)
		return
	}
	if payload.StudentID != c.studentID {
		c.sendError(env.RequestID, shared.ErrUnauthorized)
		return
	}
	if err := c.hub.checkClientVersion(payload.ClientVersion); err != nil {
		c.sendError(env.RequestID, err)
		return
	}

	rec, err := c.hub.coord.Join(payload.SessionID, c.studentID, payload.TestType)
	if err != nil {
		c.sendError(env.RequestID, err)
		return
	}

	c.sessionID = payload.SessionID
	select {
	case c.hub.joinRoom <- roomJoin{conn: c, sessionID: payload.SessionID}:
	case <-c.hub.ctx.Done():
		return
	}

	c.sendEnvelope(shared.MessageTypeJoined, env.RequestID, JoinedPayload{
		SessionID: payload.SessionID,
		StudentID: c.studentID,
	})
	c.broadcastRecommendation(env.RequestID, rec)
}

func (c *clientConn) handleResponse(env *shared.Envelope) {
	var payload shared.ResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.sendError(env.RequestID, shared.ErrInvalidPayload)
		return
	}
	if err := payload.Validate(); err != nil {
		c.sendError(env.RequestID, err)
		return
	}
	if payload.SessionID != c.sessionID {
		c.sendError(env.RequestID, shared.ErrUnauthorized)
		return
	}

	ctx := shared.WithCorrelationID(c.hub.ctx, env.RequestID)
	start := time.Now()
	rec, err := c.hub.coord.SubmitResponse(ctx, coordinator.SubmitRequest{
		SessionID:  payload.SessionID,
		QuestionID: payload.QuestionID,
		Correct:    *payload.Correct,
		TimeSpent:  payload.TimeSpent,
		RequestID:  env.RequestID,
	})
	if err != nil {
		c.hub.metrics.RecordResponseDuration("error", time.Since(start).Seconds())
		c.sendError(env.RequestID, err)
		return
	}
	c.hub.metrics.RecordResponseDuration("ok", time.Since(start).Seconds())

	c.broadcastRecommendation(env.RequestID, rec)
}

func (c *clientConn) handleEndSession(env *shared.Envelope) {
	var payload shared.EndSessionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.sendError(env.RequestID, shared.ErrInvalidPayload)
		return
	}
	if err := payload.Validate(); err != nil {
		c.sendError(env.RequestID, err)
		return
	}

	if err := c.hub.coord.EndSession(payload.SessionID, c.studentID); err != nil {
		c.sendError(env.RequestID, err)
		return
	}

	data, err := marshalEvent(shared.MessageTypeSessionEnded, env.RequestID, SessionEndedPayload{SessionID: payload.SessionID})
	if err != nil {
		c.hub.logger.Error("failed to marshal session_ended", zap.Error(err))
		return
	}
	c.hub.BroadcastToRoom(payload.SessionID, data)
}

func (c *clientConn) handleStats(env *shared.Envelope) {
	stats := struct {
		coordinator.Stats
		Connections int `json:"connections"`
		Rooms       int `json:"rooms"`
	}{
		Stats:       c.hub.coord.Stats(),
		Connections: c.hub.ClientCount(),
		Rooms:       c.hub.RoomCount(),
	}
	c.sendEnvelope(shared.MessageTypeStats, env.RequestID, stats)
}

// broadcastRecommendation fans the next question out to every device
// in the room so they all stay in step.
func (c *clientConn) broadcastRecommendation(requestID string, rec coordinator.Recommendation) {
	data, err := marshalEvent(shared.MessageTypeRecommendation, requestID, rec)
	if err != nil {
		c.hub.logger.Error("failed to marshal recommendation", zap.Error(err))
		return
	}
	c.hub.BroadcastToRoom(rec.SessionID, data)
}

func (c *clientConn) sendEnvelope(msgType shared.MessageType, requestID string, payload interface{}) {
	data, err := marshalEvent(msgType, requestID, payload)
	if err != nil {
		c.hub.logger.Error("failed to marshal envelope",
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("send buffer full, dropping message",
			zap.String("conn_id", c.connID),
			zap.String("type", string(msgType)),
		)
	}
}

func (c *clientConn) sendError(requestID string, err error) {
	kind := shared.ErrorKind(err)
	c.hub.metrics.RecordError("hub", kind)
	c.sendEnvelope(shared.MessageTypeError, requestID, shared.ErrorPayload{
		Kind:    kind,
		Message: err.Error(),
	})
}

func marshalEvent(msgType shared.MessageType, requestID string, payload interface{}) ([]byte, error) {
	env, err := shared.NewEnvelope(msgType, requestID, payload)
	if err != nil {
		return nil, err
	}
	return shared.MarshalEnvelope(env)
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
