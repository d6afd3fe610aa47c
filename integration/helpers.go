package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quizmesh/quizmesh/internal/analytics"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/hub"
	"github.com/quizmesh/quizmesh/internal/selector"
	"github.com/quizmesh/quizmesh/internal/server"
	"github.com/quizmesh/quizmesh/internal/shared"
	"github.com/quizmesh/quizmesh/internal/storage"
	"github.com/quizmesh/quizmesh/internal/tracer"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const testAPIToken = "integration-api-token"

// coachHarness wires the full service the way cmd/coachd does: sqlite
// storage, tracer, selector, coordinator, analytics aggregator, and
// the websocket hub behind one HTTP listener.
type coachHarness struct {
	t *testing.T

	db         *sql.DB
	store      *storage.Storage
	tracer     *tracer.Tracer
	coord      *coordinator.Coordinator
	hub        *hub.Hub
	aggregator *analytics.Aggregator

	httpServer *httptest.Server
	cancel     context.CancelFunc
}

func defaultQuestions() []selector.Question {
	return []selector.Question{
		{ID: "alg-e1", Skill: "algebra", Difficulty: selector.DifficultyEasy, EstimatedTimeSeconds: 40},
		{ID: "alg-m1", Skill: "algebra", Difficulty: selector.DifficultyMedium, EstimatedTimeSeconds: 70},
		{ID: "alg-m2", Skill: "algebra", Difficulty: selector.DifficultyMedium, EstimatedTimeSeconds: 75},
		{ID: "alg-h1", Skill: "algebra", Difficulty: selector.DifficultyHard, EstimatedTimeSeconds: 110},
		{ID: "geo-e1", Skill: "geometry", Difficulty: selector.DifficultyEasy, EstimatedTimeSeconds: 50},
		{ID: "geo-m1", Skill: "geometry", Difficulty: selector.DifficultyMedium, EstimatedTimeSeconds: 80},
		{ID: "geo-h1", Skill: "geometry", Difficulty: selector.DifficultyHard, EstimatedTimeSeconds: 120},
		{ID: "frac-e1", Skill: "fractions", Difficulty: selector.DifficultyEasy, EstimatedTimeSeconds: 35},
		{ID: "frac-m1", Skill: "fractions", Difficulty: selector.DifficultyMedium, EstimatedTimeSeconds: 65},
	}
}

func newCoachHarness(t *testing.T, questions []selector.Question, coordCfg coordinator.Config, hubCfg hub.Config) *coachHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "coach.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	catalog, err := selector.NewCatalog(questions)
	if err != nil {
		t.Fatalf("catalog build failed: %v", err)
	}

	store := storage.NewStorage(db)
	tr := tracer.New(db, tracer.Params{Prior: 0.3, Learn: 0.1, Slip: 0.1, Guess: 0.2}, nil)
	sel := selector.New(catalog, selector.Config{ZPDLow: 0.6, ZPDHigh: 0.8, LogisticSlope: 5.0, PaceTarget: 0.85}, nil)

	aggregator := analytics.New(tr, store, zap.NewNop())

	coord, err := coordinator.New(tr, sel, catalog, coordCfg, aggregator, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator build failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	auth := hub.NewStaticTokenAuthenticator(map[string]string{
		"token-1": "student-1",
		"token-2": "student-2",
	})
	wsHub, err := hub.NewHub(ctx, coord, auth, hubCfg, zap.NewNop())
	if err != nil {
		cancel()
		t.Fatalf("hub build failed: %v", err)
	}
	aggregator.SetPublisher(wsHub)

	go wsHub.Run()
	go coord.Run(ctx)
	go aggregator.Run(ctx)

	api := server.NewHTTPAPI(coord, wsHub, store, db, testAPIToken, zap.NewNop())
	api.SetHealthChecker(server.NewHealthChecker(db, wsHub, coord))
	httpServer := httptest.NewServer(api.Handler())

	h := &coachHarness{
		t:          t,
		db:         db,
		store:      store,
		tracer:     tr,
		coord:      coord,
		hub:        wsHub,
		aggregator: aggregator,
		httpServer: httpServer,
		cancel:     cancel,
	}
	t.Cleanup(func() {
		httpServer.Close()
		cancel()
		db.Close()
	})
	return h
}

func (h *coachHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.httpServer.URL, "http") + "/ws"
}

func (h *coachHarness) dial(token string) *websocket.Conn {
	h.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	if err != nil {
		h.t.Fatalf("dial failed: %v", err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *coachHarness) send(conn *websocket.Conn, msgType shared.MessageType, requestID string, payload interface{}) {
	h.t.Helper()
	env, err := shared.NewEnvelope(msgType, requestID, payload)
	if err != nil {
		h.t.Fatalf("failed to build envelope: %v", err)
	}
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		h.t.Fatalf("failed to marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.t.Fatalf("failed to send %s: %v", msgType, err)
	}
}

// readUntil reads messages until one of the given type arrives.
func (h *coachHarness) readUntil(conn *websocket.Conn, msgType shared.MessageType) *shared.Envelope {
	h.t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.t.Fatalf("read failed waiting for %s: %v", msgType, err)
		}
		env, err := shared.UnmarshalEnvelope(data)
		if err != nil {
			h.t.Fatalf("unmarshal failed: %v", err)
		}
		if env.Type == string(msgType) {
			return env
		}
	}
}

// join joins a session and returns the first recommendation.
func (h *coachHarness) join(conn *websocket.Conn, sessionID, studentID string) coordinator.Recommendation {
	h.t.Helper()
	h.send(conn, shared.MessageTypeJoin, "join-"+sessionID, shared.JoinPayload{
		SessionID: sessionID,
		StudentID: studentID,
	})
	h.readUntil(conn, shared.MessageTypeJoined)
	return h.readRecommendation(conn)
}

func (h *coachHarness) readRecommendation(conn *websocket.Conn) coordinator.Recommendation {
	h.t.Helper()
	env := h.readUntil(conn, shared.MessageTypeRecommendation)
	var rec coordinator.Recommendation
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		h.t.Fatalf("unmarshal recommendation: %v", err)
	}
	return rec
}

// answer submits one response and returns the follow-up recommendation.
func (h *coachHarness) answer(conn *websocket.Conn, sessionID, questionID, requestID string, correct bool, timeSpent float64) coordinator.Recommendation {
	h.t.Helper()
	h.send(conn, shared.MessageTypeResponse, requestID, shared.ResponsePayload{
		SessionID:  sessionID,
		QuestionID: questionID,
		Correct:    &correct,
		TimeSpent:  timeSpent,
	})
	return h.readRecommendation(conn)
}

func (h *coachHarness) apiGet(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, h.httpServer.URL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	return http.DefaultClient.Do(req)
}
