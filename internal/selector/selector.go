package selector

import (
	"fmt"
	"math"
	"sort"

	"github.com/quizmesh/quizmesh/internal/shared"
	"github.com/quizmesh/quizmesh/internal/tracer"
	"go.uber.org/zap"
)

// Logistic centers per difficulty tier. A student whose mastery sits
// at the center has an even chance of success on that tier.
var difficultyCenters = map[Difficulty]float64{
	DifficultyEasy:   0.3,
	DifficultyMedium: 0.5,
	DifficultyHard:   0.7,
}

// Config holds the selection tuning knobs. The ZPD window is the
// target success-probability band: challenging but achievable.
type Config struct {
	ZPDLow        float64
	ZPDHigh       float64
	LogisticSlope float64
	PaceTarget    float64
}

// Context carries the per-session state the selector needs. The
// coordinator owns the underlying session; the selector only reads.
type Context struct {
	TimeRemainingSeconds float64
	AnsweredBySkill      map[string]int
	ExcludeIDs           map[string]struct{}
}

// Rationale explains why a question was picked.
type Rationale struct {
	TargetSkill      string  `json:"target_skill"`
	TargetDifficulty string  `json:"target_difficulty"`
	PredictedSuccess float64 `json:"predicted_success"`
	Degraded         bool    `json:"degraded,omitempty"`
}

// Selector picks the next question from a read-only question source
// given the student's current mastery state.
type Selector struct {
	source QuestionSource
	cfg    Config
	logger *zap.Logger
}

func New(source QuestionSource, cfg Config, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{source: source, cfg: cfg, logger: logger}
}

// SuccessProbability maps mastery to an estimated success probability
// on a question of the given difficulty via a logistic transform
// centered per tier.
func (s *Selector) SuccessProbability(mastery float64, difficulty Difficulty) float64 {
	center := difficultyCenters[difficulty]
	return 1.0 / (1.0 + math.Exp(-s.cfg.LogisticSlope*(mastery-center)))
}

// SelectNext picks the next question. Candidates already answered and
// candidates that do not fit the remaining time budget are excluded;
// among skills behind pace the lowest-mastery skill wins, tie-broken
// by fewest questions answered this session, then lowest skill id.
// When nothing fits the time budget the shortest remaining question is
// returned regardless of ZPD fit. ErrNoQuestionsAvailable only when
// the pool is empty after exclusion.
func (s *Selector) SelectNext(masteries []tracer.SkillMastery, sctx Context) (Question, Rationale, error) {
	pool := make([]Question, 0)
	for _, q := range s.source.All() {
		if _, excluded := sctx.ExcludeIDs[q.ID]; excluded {
			continue
		}
		pool = append(pool, q)
	}
	if len(pool) == 0 {
		return Question{}, Rationale{}, fmt.Errorf("%w: candidate pool exhausted", shared.ErrNoQuestionsAvailable)
	}

	withinBudget := make([]Question, 0, len(pool))
	for _, q := range pool {
		if q.EstimatedTimeSeconds <= sctx.TimeRemainingSeconds {
			withinBudget = append(withinBudget, q)
		}
	}
	if len(withinBudget) == 0 {
		q := shortestOf(pool)
		mastery := masteryFor(masteries, q.Skill)
		return q, Rationale{
			TargetSkill:      q.Skill,
			TargetDifficulty: string(q.Difficulty),
			PredictedSuccess: s.SuccessProbability(mastery, q.Difficulty),
			Degraded:         true,
		}, nil
	}

	masteryBySkill := make(map[string]float64, len(masteries))
	for _, m := range masteries {
		masteryBySkill[m.SkillID] = m.PMastery
	}

	bySkill := make(map[string][]Question)
	for _, q := range withinBudget {
		bySkill[q.Skill] = append(bySkill[q.Skill], q)
	}

	skills := make([]string, 0, len(bySkill))
	for skill := range bySkill {
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool {
		mi, mj := masteryBySkill[skills[i]], masteryBySkill[skills[j]]
		if mi != mj {
			return mi < mj
		}
		ai, aj := sctx.AnsweredBySkill[skills[i]], sctx.AnsweredBySkill[skills[j]]
		if ai != aj {
			return ai < aj
		}
		return skills[i] < skills[j]
	})

	// First pass: behind-pace skills with a question inside the ZPD
	// window, lowest mastery first.
	for _, skill := range skills {
		if masteryBySkill[skill] >= s.cfg.PaceTarget {
			continue
		}
		if q, p, ok := s.bestInWindow(bySkill[skill], masteryBySkill[skill]); ok {
			return q, Rationale{
				TargetSkill:      skill,
				TargetDifficulty: string(q.Difficulty),
				PredictedSuccess: p,
			}, nil
		}
	}

	// No ZPD fit anywhere; take the budget-fitting question whose
	// success probability lands closest to the window.
	best := withinBudget[0]
	bestProb := s.SuccessProbability(masteryBySkill[best.Skill], best.Difficulty)
	bestDist := s.windowDistance(bestProb)
	for _, q := range withinBudget[1:] {
		p := s.SuccessProbability(masteryBySkill[q.Skill], q.Difficulty)
		d := s.windowDistance(p)
		if d < bestDist || (d == bestDist && q.ID < best.ID) {
			best, bestProb, bestDist = q, p, d
		}
	}

	return best, Rationale{
		TargetSkill:      best.Skill,
		TargetDifficulty: string(best.Difficulty),
		PredictedSuccess: bestProb,
		Degraded:         true,
	}, nil
}

// bestInWindow returns the skill's question whose predicted success
// lands inside the ZPD window, preferring the one closest to the
// window center, then the lowest id for determinism.
func (s *Selector) bestInWindow(questions []Question, mastery float64) (Question, float64, bool) {
	center := (s.cfg.ZPDLow + s.cfg.ZPDHigh) / 2

	var (
		found    bool
		best     Question
		bestProb float64
		bestDist float64
	)
	for _, q := range questions {
		p := s.SuccessProbability(mastery, q.Difficulty)
		if p < s.cfg.ZPDLow || p > s.cfg.ZPDHigh {
			continue
		}
		d := math.Abs(p - center)
		if !found || d < bestDist || (d == bestDist && q.ID < best.ID) {
			found, best, bestProb, bestDist = true, q, p, d
		}
	}
	return best, bestProb, found
}

func (s *Selector) windowDistance(p float64) float64 {
	if p < s.cfg.ZPDLow {
		return s.cfg.ZPDLow - p
	}
	if p > s.cfg.ZPDHigh {
		return p - s.cfg.ZPDHigh
	}
	return 0
}

func shortestOf(questions []Question) Question {
	best := questions[0]
	for _, q := range questions[1:] {
		if q.EstimatedTimeSeconds < best.EstimatedTimeSeconds ||
			(q.EstimatedTimeSeconds == best.EstimatedTimeSeconds && q.ID < best.ID) {
			best = q
		}
	}
	return best
}

func masteryFor(masteries []tracer.SkillMastery, skillID string) float64 {
	for _, m := range masteries {
		if m.SkillID == skillID {
			return m.PMastery
		}
	}
	return 0
}
