package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/storage"
	"github.com/quizmesh/quizmesh/internal/tracer"
	"go.uber.org/zap"
)

const (
	defaultQueueSize = 128

	// Confidence saturates with evidence: n observations give
	// n / (n + halfConfidenceSamples).
	halfConfidenceSamples = 10.0
)

// SkillSummary is the per-skill digest published after a session ends.
type SkillSummary struct {
	SkillID     string  `json:"skill_id"`
	Mastery     float64 `json:"mastery"`
	Trend       float64 `json:"trend"`
	Confidence  float64 `json:"confidence"`
	Answered    int     `json:"answered"`
	Correct     int     `json:"correct"`
	SampleCount int     `json:"sample_count"`
}

// SessionSummary is the full digest for one closed session.
type SessionSummary struct {
	SessionID       string         `json:"session_id"`
	StudentID       string         `json:"student_id"`
	TestType        string         `json:"test_type,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	ClosedAt        time.Time      `json:"closed_at"`
	TotalAnswered   int            `json:"total_answered"`
	TotalCorrect    int            `json:"total_correct"`
	DurationSeconds float64        `json:"duration_seconds"`
	Skills          []SkillSummary `json:"skills"`
}

// SummaryStore persists summaries and serves trend lookups.
type SummaryStore interface {
	SaveSummaries(rows []storage.SummaryRow) error
	LatestSkillMastery(studentID, skillID string) (float64, bool, error)
}

// Publisher pushes a finished summary to whoever is still listening on
// the session's room.
type Publisher interface {
	PublishAnalytics(sessionID string, summary SessionSummary)
}

// Aggregator turns closed sessions into persisted, published
// summaries. It implements coordinator.CloseSink; enqueueing never
// blocks the coordinator, a full queue drops the session with a log
// line instead.
type Aggregator struct {
	tracer   *tracer.Tracer
	store    SummaryStore
	pub      Publisher
	notifier Notifier
	logger   *zap.Logger

	queue chan coordinator.ClosedSession
}

type Option func(*Aggregator)

// WithPublisher wires the hub-facing publisher.
func WithPublisher(pub Publisher) Option {
	return func(a *Aggregator) { a.pub = pub }
}

// WithNotifier wires an out-of-band coaching notifier.
func WithNotifier(n Notifier) Option {
	return func(a *Aggregator) { a.notifier = n }
}

func New(tr *tracer.Tracer, store SummaryStore, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		tracer: tr,
		store:  store,
		logger: logger,
		queue:  make(chan coordinator.ClosedSession, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetPublisher wires the hub-facing publisher. Must be called before
// Run starts.
func (a *Aggregator) SetPublisher(pub Publisher) {
	a.pub = pub
}

// SetNotifier wires an out-of-band notifier. Must be called before
// Run starts.
func (a *Aggregator) SetNotifier(n Notifier) {
	a.notifier = n
}

// SessionClosed enqueues a session for summarization.
func (a *Aggregator) SessionClosed(s coordinator.ClosedSession) {
	select {
	case a.queue <- s:
	default:
		a.logger.Warn("analytics queue full, dropping session summary",
			zap.String("session_id", s.SessionID),
		)
	}
}

// Run consumes the queue until the context is canceled, then drains
// whatever is already enqueued.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case s := <-a.queue:
					a.process(s)
				default:
					return
				}
			}
		case s := <-a.queue:
			a.process(s)
		}
	}
}

func (a *Aggregator) process(s coordinator.ClosedSession) {
	summary, err := a.Summarize(s)
	if err != nil {
		a.logger.Error("failed to summarize session",
			zap.String("session_id", s.SessionID),
			zap.Error(err),
		)
		return
	}

	if a.store != nil {
		if err := a.store.SaveSummaries(summaryRows(summary)); err != nil {
			a.logger.Error("failed to persist session summary",
				zap.String("session_id", s.SessionID),
				zap.Error(err),
			)
		}
	}

	if a.pub != nil {
		a.pub.PublishAnalytics(s.SessionID, summary)
	}
	if a.notifier != nil {
		if err := a.notifier.NotifySessionSummary(summary); err != nil {
			a.logger.Warn("summary notification failed",
				zap.String("session_id", s.SessionID),
				zap.Error(err),
			)
		}
	}

	a.logger.Info("session summarized",
		zap.String("session_id", s.SessionID),
		zap.String("student_id", s.StudentID),
		zap.Int("skills", len(summary.Skills)),
		zap.Int("answered", summary.TotalAnswered),
	)
}

// Summarize computes the per-skill digest for a closed session. Trend
// is the mastery delta against the student's previous summary for the
// same skill, zero on first sight.
func (a *Aggregator) Summarize(s coordinator.ClosedSession) (SessionSummary, error) {
	type tally struct {
		answered int
		correct  int
	}
	tallies := make(map[string]*tally)
	for _, r := range s.PerformanceHistory {
		t, ok := tallies[r.SkillID]
		if !ok {
			t = &tally{}
			tallies[r.SkillID] = t
		}
		t.answered++
		if r.Correct {
			t.correct++
		}
	}

	skills := make([]string, 0, len(tallies))
	for skill := range tallies {
		skills = append(skills, skill)
	}
	sort.Strings(skills)

	summary := SessionSummary{
		SessionID:       s.SessionID,
		StudentID:       s.StudentID,
		TestType:        s.TestType,
		StartedAt:       s.StartedAt,
		ClosedAt:        s.ClosedAt,
		DurationSeconds: s.ClosedAt.Sub(s.StartedAt).Seconds(),
	}

	for _, skill := range skills {
		row, err := a.tracer.Read(s.StudentID, skill)
		if err != nil {
			return SessionSummary{}, err
		}

		trend := 0.0
		if a.store != nil {
			previous, found, err := a.store.LatestSkillMastery(s.StudentID, skill)
			if err != nil {
				a.logger.Warn("trend lookup failed",
					zap.String("student_id", s.StudentID),
					zap.String("skill_id", skill),
					zap.Error(err),
				)
			} else if found {
				trend = row.PMastery - previous
			}
		}

		t := tallies[skill]
		summary.Skills = append(summary.Skills, SkillSummary{
			SkillID:     skill,
			Mastery:     row.PMastery,
			Trend:       trend,
			Confidence:  confidence(row.SampleCount),
			Answered:    t.answered,
			Correct:     t.correct,
			SampleCount: row.SampleCount,
		})
		summary.TotalAnswered += t.answered
		summary.TotalCorrect += t.correct
	}

	return summary, nil
}

func confidence(sampleCount int) float64 {
	n := float64(sampleCount)
	return n / (n + halfConfidenceSamples)
}

func summaryRows(summary SessionSummary) []storage.SummaryRow {
	createdAt := summary.ClosedAt.UTC().Format(time.RFC3339Nano)
	rows := make([]storage.SummaryRow, 0, len(summary.Skills))
	for _, skill := range summary.Skills {
		rows = append(rows, storage.SummaryRow{
			ID:          uuid.New().String(),
			SessionID:   summary.SessionID,
			StudentID:   summary.StudentID,
			SkillID:     skill.SkillID,
			Mastery:     skill.Mastery,
			Trend:       skill.Trend,
			Confidence:  skill.Confidence,
			SampleCount: skill.SampleCount,
			CreatedAt:   createdAt,
		})
	}
	return rows
}
