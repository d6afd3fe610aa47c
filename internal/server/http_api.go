package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/hub"
	"github.com/quizmesh/quizmesh/internal/storage"
	"go.uber.org/zap"
)

// HTTPAPI serves the operator-facing REST surface next to the student
// WebSocket endpoint.
type HTTPAPI struct {
	coord         *coordinator.Coordinator
	wsHub         *hub.Hub
	store         *storage.Storage
	db            *sql.DB
	authToken     string
	logger        *zap.Logger
	healthChecker *HealthChecker
}

func NewHTTPAPI(
	coord *coordinator.Coordinator,
	wsHub *hub.Hub,
	store *storage.Storage,
	db *sql.DB,
	authToken string,
	logger *zap.Logger,
) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		coord:     coord,
		wsHub:     wsHub,
		store:     store,
		db:        db,
		authToken: authToken,
		logger:    logger,
	}
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.healthChecker = hc
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/stats", a.requireAuth(http.HandlerFunc(a.handleStats)))
	mux.Handle("GET /api/v1/summaries/{student_id}", a.requireAuth(http.HandlerFunc(a.handleSummaries)))
	if a.wsHub != nil {
		mux.HandleFunc("GET /ws", a.wsHub.ServeWS)
	}

	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}

	result := a.healthChecker.CheckLiveness(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if result.Status == HealthHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(result)
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	result := a.healthChecker.CheckReadiness(r.Context())
	w.Header().Set("Content-Type", "application/json")
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(result)
}

func (a *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"database":      a.checkDBHealth(),
		"websocket_hub": a.checkHubHealth(),
	}

	status := "healthy"
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC(),
	})
}

func (a *HTTPAPI) checkDBHealth() string {
	if a.db == nil {
		return "unavailable"
	}
	if err := a.db.Ping(); err != nil {
		return "unavailable"
	}
	return "ok"
}

func (a *HTTPAPI) checkHubHealth() string {
	if a.wsHub == nil {
		return "unavailable"
	}
	return "ok"
}

type statsJSON struct {
	coordinator.Stats
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (a *HTTPAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsJSON{Stats: a.coord.Stats()}
	if a.wsHub != nil {
		stats.Connections = a.wsHub.ClientCount()
		stats.Rooms = a.wsHub.RoomCount()
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: stats})
}

type summaryJSON struct {
	SessionID   string    `json:"session_id"`
	SkillID     string    `json:"skill_id"`
	Mastery     float64   `json:"mastery"`
	Trend       float64   `json:"trend"`
	Confidence  float64   `json:"confidence"`
	SampleCount int       `json:"sample_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *HTTPAPI) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "summary storage unavailable", "SERVICE_UNAVAILABLE")
		return
	}

	studentID := strings.TrimSpace(r.PathValue("student_id"))
	if studentID == "" {
		writeError(w, http.StatusBadRequest, "student_id is required", "BAD_REQUEST")
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 100)

	rows, err := a.store.SummariesForStudent(studentID, limit)
	if err != nil {
		a.logger.Error("query summaries failed",
			zap.String("student_id", studentID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	out := make([]summaryJSON, 0, len(rows))
	for _, row := range rows {
		createdAt, err := storage.ParseTimestamp(row.CreatedAt)
		if err != nil {
			a.logger.Warn("unparseable summary timestamp",
				zap.String("summary_id", row.ID),
				zap.Error(err),
			)
		}
		out = append(out, summaryJSON{
			SessionID:   row.SessionID,
			SkillID:     row.SkillID,
			Mastery:     row.Mastery,
			Trend:       row.Trend,
			Confidence:  row.Confidence,
			SampleCount: row.SampleCount,
			CreatedAt:   createdAt,
		})
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: out,
		Meta: &apiMeta{Total: len(out), Limit: limit},
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func StartHTTPServer(addr string, handler http.Handler, logger *zap.Logger) (shutdown func(ctx context.Context) error, err error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return srv.Shutdown, nil
}
