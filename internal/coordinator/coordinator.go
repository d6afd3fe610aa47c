package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quizmesh/quizmesh/internal/selector"
	"github.com/quizmesh/quizmesh/internal/shared"
	"github.com/quizmesh/quizmesh/internal/tracer"
	"go.uber.org/zap"
)

const closedTombstoneSize = 4096

// CloseSink receives the snapshot of every session that leaves live
// memory. Closing a session through the sink is the only teardown
// path; no other component deletes live session state.
type CloseSink interface {
	SessionClosed(s ClosedSession)
}

// NopSink discards closed sessions. Used when no aggregator is wired.
type NopSink struct{}

func (NopSink) SessionClosed(ClosedSession) {}

// Config holds the coordinator timing knobs.
type Config struct {
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	CloseGrace         time.Duration
	ResponseBudget     time.Duration
	SessionTimeSeconds float64
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Minute
	}
	if c.ResponseBudget <= 0 {
		c.ResponseBudget = 2 * time.Second
	}
	if c.SessionTimeSeconds <= 0 {
		c.SessionTimeSeconds = 3600
	}
}

// Stats is a point-in-time view of coordinator state for the stats
// endpoint.
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	IdleSessions   int    `json:"idle_sessions"`
	ClosedTotal    uint64 `json:"closed_total"`
}

// Coordinator owns the lifecycle of all live practice sessions. Each
// session's state machine is Active -> Idle -> Closed; transitions and
// response processing for one session are serialized on the session's
// own lock, so submissions for different sessions proceed fully
// concurrently.
type Coordinator struct {
	tracer *tracer.Tracer
	sel    *selector.Selector
	source selector.QuestionSource
	cfg    Config
	sink   CloseSink
	logger *zap.Logger

	mu              sync.RWMutex
	sessions        map[string]*session
	studentSessions map[string]string
	closedTotal     uint64

	// Tombstones for closed session ids so a later join reports
	// NotFound instead of silently recreating the session.
	closed *lru.Cache[string, time.Time]

	dedup *responseDedup
}

func New(tr *tracer.Tracer, sel *selector.Selector, source selector.QuestionSource, cfg Config, sink CloseSink, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	cfg.applyDefaults()

	closed, err := lru.New[string, time.Time](closedTombstoneSize)
	if err != nil {
		return nil, fmt.Errorf("create tombstone cache: %w", err)
	}
	dedup, err := newResponseDedup(dedupCacheSizePerSession)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	return &Coordinator{
		tracer:          tr,
		sel:             sel,
		source:          source,
		cfg:             cfg,
		sink:            sink,
		logger:          logger,
		sessions:        make(map[string]*session),
		studentSessions: make(map[string]string),
		closed:          closed,
		dedup:           dedup,
	}, nil
}

// Run drives the periodic idle sweep until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Join attaches a student to a session, creating it on first join. A
// session id that was closed is gone for good: joining it reports
// ErrSessionNotFound rather than recreating state. Joining someone
// else's session is ErrUnauthorized. The returned recommendation is
// the session's current offer, so a second device resumes exactly
// where the first one is.
func (c *Coordinator) Join(sessionID, studentID, testType string) (Recommendation, error) {
	if sessionID == "" || studentID == "" {
		return Recommendation{}, fmt.Errorf("%w: session and student ids are required", shared.ErrInvalidObservation)
	}

	if _, wasClosed := c.closed.Get(sessionID); wasClosed {
		return Recommendation{}, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, sessionID)
	}

	c.mu.RLock()
	existing, ok := c.sessions[sessionID]
	c.mu.RUnlock()

	if ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()

		if existing.studentID != studentID {
			return Recommendation{}, fmt.Errorf("%w: session %s belongs to another student", shared.ErrUnauthorized, sessionID)
		}
		// The session may have closed between lookup and lock.
		if existing.status == SessionStatusClosed {
			return Recommendation{}, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, sessionID)
		}
		existing.status = SessionStatusActive
		existing.lastActivity = time.Now().UTC()
		if existing.lastRecommendation == nil {
			return Recommendation{}, fmt.Errorf("%w: session has no pending question", shared.ErrNoQuestionsAvailable)
		}
		return *existing.lastRecommendation, nil
	}

	return c.createSession(sessionID, studentID, testType)
}

// createSession builds a fresh session and issues its first
// recommendation. A student has at most one live session; starting a
// new one closes the previous one through the normal teardown path.
func (c *Coordinator) createSession(sessionID, studentID, testType string) (Recommendation, error) {
	c.mu.Lock()
	if existing, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.studentID != studentID {
			return Recommendation{}, fmt.Errorf("%w: session %s belongs to another student", shared.ErrUnauthorized, sessionID)
		}
		if existing.status == SessionStatusClosed {
			return Recommendation{}, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, sessionID)
		}
		if existing.lastRecommendation == nil {
			return Recommendation{}, fmt.Errorf("%w: session has no pending question", shared.ErrNoQuestionsAvailable)
		}
		return *existing.lastRecommendation, nil
	}
	previousID, hadPrevious := c.studentSessions[studentID]
	c.mu.Unlock()

	if hadPrevious {
		if err := c.closeSessionByID(previousID, "superseded"); err != nil {
			c.logger.Warn("failed to close superseded session",
				zap.String("session_id", previousID),
				zap.Error(err),
			)
		}
	}

	now := time.Now().UTC()
	s := &session{
		sessionID:            sessionID,
		studentID:            studentID,
		testType:             testType,
		startedAt:            now,
		status:               SessionStatusActive,
		lastActivity:         now,
		timeRemainingSeconds: c.cfg.SessionTimeSeconds,
		answeredQuestionIDs:  make(map[string]struct{}),
		offeredQuestionIDs:   make(map[string]struct{}),
		answeredBySkill:      make(map[string]int),
	}

	masteries, err := c.tracer.Snapshot(studentID, c.source.Skills())
	if err != nil {
		return Recommendation{}, fmt.Errorf("initial mastery snapshot: %w", err)
	}

	question, rationale, err := c.sel.SelectNext(masteries, s.selectorContext())
	if err != nil {
		return Recommendation{}, err
	}

	rec := Recommendation{
		SessionID:   sessionID,
		Question:    question,
		Rationale:   rationale,
		GeneratedAt: now,
	}
	s.offeredQuestionIDs[question.ID] = struct{}{}
	s.lastRecommendation = &rec

	c.mu.Lock()
	c.sessions[sessionID] = s
	c.studentSessions[studentID] = sessionID
	c.mu.Unlock()

	c.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.String("test_type", testType),
	)

	return rec, nil
}

// SubmitRequest carries one inbound response.
type SubmitRequest struct {
	SessionID  string
	QuestionID string
	Correct    bool
	TimeSpent  float64
	RequestID  string
}

// SubmitResponse processes one response atomically with respect to
// its session: validate the question was offered, advance the
// knowledge model, pick the next question, commit. The whole call is
// bounded by the response budget; on timeout nothing is committed.
func (c *Coordinator) SubmitResponse(ctx context.Context, req SubmitRequest) (Recommendation, error) {
	s, err := c.lookup(req.SessionID)
	if err != nil {
		return Recommendation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SessionStatusClosed {
		return Recommendation{}, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, req.SessionID)
	}

	// A retried request id returns the already-issued recommendation
	// instead of double-applying the observation.
	if c.dedup.seen(req.SessionID, req.RequestID) {
		if s.lastRecommendation != nil {
			return *s.lastRecommendation, nil
		}
		return Recommendation{}, fmt.Errorf("%w: duplicate request with no pending question", shared.ErrUnknownQuestion)
	}

	if _, offered := s.offeredQuestionIDs[req.QuestionID]; !offered {
		return Recommendation{}, fmt.Errorf("%w: %s", shared.ErrUnknownQuestion, req.QuestionID)
	}
	if _, done := s.answeredQuestionIDs[req.QuestionID]; done {
		// Already applied under another request id; hand back the
		// standing offer.
		if s.lastRecommendation != nil {
			return *s.lastRecommendation, nil
		}
		return Recommendation{}, fmt.Errorf("%w: %s already answered", shared.ErrUnknownQuestion, req.QuestionID)
	}

	question, err := c.source.Get(req.QuestionID)
	if err != nil {
		return Recommendation{}, fmt.Errorf("%w: %s", shared.ErrUnknownQuestion, req.QuestionID)
	}

	type outcome struct {
		nextRow   tracer.SkillMastery
		question  selector.Question
		rationale selector.Rationale
		err       error
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponseBudget)
	defer cancel()

	// The computation below is pure with respect to session state, so
	// abandoning it on timeout leaves no partial update behind.
	resultCh := make(chan outcome, 1)
	go func() {
		var out outcome

		row, err := c.tracer.Read(s.studentID, question.Skill)
		if err != nil {
			out.err = err
			resultCh <- out
			return
		}
		out.nextRow = tracer.Advance(row, req.Correct)

		masteries, err := c.tracer.Snapshot(s.studentID, c.source.Skills())
		if err != nil {
			out.err = err
			resultCh <- out
			return
		}
		for i := range masteries {
			if masteries[i].SkillID == out.nextRow.SkillID {
				masteries[i] = out.nextRow
			}
		}

		sctx := s.selectorContext()
		sctx.ExcludeIDs[req.QuestionID] = struct{}{}
		sctx.AnsweredBySkill[question.Skill]++
		sctx.TimeRemainingSeconds -= req.TimeSpent

		out.question, out.rationale, out.err = c.sel.SelectNext(masteries, sctx)
		resultCh <- out
	}()

	var result outcome
	select {
	case result = <-resultCh:
	case <-budgetCtx.Done():
		return Recommendation{}, fmt.Errorf("%w: response processing exceeded %s", shared.ErrSelectionTimeout, c.cfg.ResponseBudget)
	}
	if result.err != nil {
		return Recommendation{}, result.err
	}

	// Commit point: everything below mutates session and tracer state
	// together under the session lock.
	if err := c.tracer.Write(result.nextRow); err != nil {
		shared.LogErrorWithContext(ctx, c.logger, "failed to commit mastery update", err,
			zap.String("session_id", req.SessionID),
			zap.String("skill_id", result.nextRow.SkillID),
		)
		return Recommendation{}, fmt.Errorf("commit mastery update: %w", err)
	}

	now := time.Now().UTC()
	s.performanceHistory = append(s.performanceHistory, ResponseRecord{
		QuestionID: req.QuestionID,
		SkillID:    question.Skill,
		Correct:    req.Correct,
		TimeSpent:  req.TimeSpent,
		Timestamp:  now,
	})
	s.answeredQuestionIDs[req.QuestionID] = struct{}{}
	s.answeredBySkill[question.Skill]++
	s.timeRemainingSeconds -= req.TimeSpent
	if s.timeRemainingSeconds < 0 {
		s.timeRemainingSeconds = 0
	}
	s.status = SessionStatusActive
	s.lastActivity = now

	rec := Recommendation{
		SessionID:   req.SessionID,
		Question:    result.question,
		Rationale:   result.rationale,
		GeneratedAt: now,
	}
	s.offeredQuestionIDs[result.question.ID] = struct{}{}
	s.lastRecommendation = &rec
	c.dedup.mark(req.SessionID, req.RequestID)

	shared.LogWithContext(ctx, c.logger, "response processed",
		zap.String("session_id", req.SessionID),
		zap.String("question_id", req.QuestionID),
		zap.Bool("correct", req.Correct),
		zap.String("next_question_id", result.question.ID),
		zap.Float64("mastery", result.nextRow.PMastery),
	)

	return rec, nil
}

// EndSession closes a session on explicit completion.
func (c *Coordinator) EndSession(sessionID, studentID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.studentID != studentID {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s belongs to another student", shared.ErrUnauthorized, sessionID)
	}
	s.mu.Unlock()

	return c.closeSessionByID(sessionID, "completed")
}

// Authorize reports whether the session exists and belongs to the
// student. Used by the hub before admitting a connection to a room.
func (c *Coordinator) Authorize(sessionID, studentID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.studentID != studentID {
		return fmt.Errorf("%w: session %s belongs to another student", shared.ErrUnauthorized, sessionID)
	}
	return nil
}

// Sweep advances idle sessions through the state machine: Active
// sessions past the idle timeout become Idle, Idle sessions past the
// grace period are closed. It runs through each session's own lock so
// it can never interleave with an in-flight response for that session.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.RLock()
	candidates := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		candidates = append(candidates, s)
	}
	c.mu.RUnlock()

	closed := 0
	for _, s := range candidates {
		s.mu.Lock()
		expired := false
		switch s.status {
		case SessionStatusActive:
			if now.Sub(s.lastActivity) > c.cfg.IdleTimeout {
				s.status = SessionStatusIdle
				s.idleSince = now
				c.logger.Info("session idle",
					zap.String("session_id", s.sessionID),
					zap.Duration("idle_timeout", c.cfg.IdleTimeout),
				)
			}
		case SessionStatusIdle:
			expired = now.Sub(s.idleSince) > c.cfg.CloseGrace
		}
		s.mu.Unlock()

		if expired && c.closeSession(s, now, "idle timeout") {
			closed++
		}
	}
	return closed
}

// Stats returns session counts for the stats endpoint. Sessions are
// snapshotted first so no session lock is ever taken while the
// registry lock is held.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	stats := Stats{ClosedTotal: c.closedTotal}
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		switch s.status {
		case SessionStatusActive:
			stats.ActiveSessions++
		case SessionStatusIdle:
			stats.IdleSessions++
		}
		s.mu.Unlock()
	}
	return stats
}

func (c *Coordinator) lookup(sessionID string) (*session, error) {
	if _, wasClosed := c.closed.Get(sessionID); wasClosed {
		return nil, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, sessionID)
	}

	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (c *Coordinator) closeSessionByID(sessionID, reason string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	c.closeSession(s, time.Now().UTC(), reason)
	return nil
}

// closeSession finishes a session and reports whether this call
// performed the close. The session lock and the registry lock are
// taken in sequence, never nested, so close can run concurrently with
// Stats and other registry readers.
func (c *Coordinator) closeSession(s *session, now time.Time, reason string) bool {
	s.mu.Lock()
	if s.status == SessionStatusClosed {
		s.mu.Unlock()
		return false
	}
	s.status = SessionStatusClosed
	snap := s.snapshot(now)
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, s.sessionID)
	if c.studentSessions[s.studentID] == s.sessionID {
		delete(c.studentSessions, s.studentID)
	}
	c.closedTotal++
	c.mu.Unlock()

	c.closed.Add(s.sessionID, now)
	c.dedup.forget(s.sessionID)

	c.logger.Info("session closed",
		zap.String("session_id", s.sessionID),
		zap.String("student_id", s.studentID),
		zap.String("reason", reason),
		zap.Int("responses", len(snap.PerformanceHistory)),
	)

	c.sink.SessionClosed(snap)
	return true
}
