package coordinator

import (
	"sync"
	"time"

	"github.com/quizmesh/quizmesh/internal/selector"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusClosed SessionStatus = "closed"
)

// ResponseRecord is one entry of a session's performance history.
type ResponseRecord struct {
	QuestionID string    `json:"question_id"`
	SkillID    string    `json:"skill_id"`
	Correct    bool      `json:"correct"`
	TimeSpent  float64   `json:"time_spent_seconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recommendation is the ephemeral next-question message produced after
// each response. It is consumed by the hub and kept only as the
// session's latest offer.
type Recommendation struct {
	SessionID   string             `json:"session_id"`
	Question    selector.Question  `json:"question"`
	Rationale   selector.Rationale `json:"rationale"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ClosedSession is the immutable snapshot handed to the close sink
// when a session leaves live memory.
type ClosedSession struct {
	SessionID          string
	StudentID          string
	TestType           string
	StartedAt          time.Time
	ClosedAt           time.Time
	PerformanceHistory []ResponseRecord
	AnsweredBySkill    map[string]int
}

// session is the live mutable state for one practice session. All
// field access happens under mu, which is also the serialization
// point for SubmitResponse and the idle sweep.
type session struct {
	mu sync.Mutex

	sessionID string
	studentID string
	testType  string
	startedAt time.Time

	status       SessionStatus
	lastActivity time.Time
	idleSince    time.Time

	timeRemainingSeconds float64
	answeredQuestionIDs  map[string]struct{}
	offeredQuestionIDs   map[string]struct{}
	answeredBySkill      map[string]int
	performanceHistory   []ResponseRecord

	lastRecommendation *Recommendation
}

func (s *session) snapshot(closedAt time.Time) ClosedSession {
	history := make([]ResponseRecord, len(s.performanceHistory))
	copy(history, s.performanceHistory)

	bySkill := make(map[string]int, len(s.answeredBySkill))
	for skill, n := range s.answeredBySkill {
		bySkill[skill] = n
	}

	return ClosedSession{
		SessionID:          s.sessionID,
		StudentID:          s.studentID,
		TestType:           s.testType,
		StartedAt:          s.startedAt,
		ClosedAt:           closedAt,
		PerformanceHistory: history,
		AnsweredBySkill:    bySkill,
	}
}

func (s *session) selectorContext() selector.Context {
	exclude := make(map[string]struct{}, len(s.answeredQuestionIDs))
	for id := range s.answeredQuestionIDs {
		exclude[id] = struct{}{}
	}

	answered := make(map[string]int, len(s.answeredBySkill))
	for skill, n := range s.answeredBySkill {
		answered[skill] = n
	}

	return selector.Context{
		TimeRemainingSeconds: s.timeRemainingSeconds,
		AnsweredBySkill:      answered,
		ExcludeIDs:           exclude,
	}
}
