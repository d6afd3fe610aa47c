package tracer

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quizmesh/quizmesh/internal/shared"
	"go.uber.org/zap"
)

// Mastery estimates are clamped away from 0 and 1 so a long streak can
// never lock the model into certainty.
const (
	masteryFloor   = 0.02
	masteryCeiling = 0.98
)

// Params are the BKT parameters applied to a skill row at first touch.
type Params struct {
	Prior float64
	Learn float64
	Slip  float64
	Guess float64
}

// SkillMastery is one (student, skill) row of the knowledge model. It
// is mutated only through Tracer.Update / Tracer.Write; readers get
// copies.
type SkillMastery struct {
	StudentID   string    `json:"student_id"`
	SkillID     string    `json:"skill_id"`
	PMastery    float64   `json:"p_mastery"`
	PLearn      float64   `json:"p_learn"`
	PSlip       float64   `json:"p_slip"`
	PGuess      float64   `json:"p_guess"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

type masteryKey struct {
	studentID string
	skillID   string
}

// Tracer owns all SkillMastery state. Rows live in memory and are
// written through to sqlite on every update so mastery survives a
// restart; reads fall back to the database before initializing from
// the prior. Skills are updated independently of one another — cross
// skill transfer is an explicit non-feature of this model.
type Tracer struct {
	db     *sql.DB
	logger *zap.Logger
	params Params

	mu   sync.RWMutex
	rows map[masteryKey]SkillMastery
}

// New creates a Tracer. db may be nil, in which case rows are memory
// only (used in tests).
func New(db *sql.DB, params Params, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{
		db:     db,
		logger: logger,
		params: params,
		rows:   make(map[masteryKey]SkillMastery),
	}
}

// Read returns the mastery row for (studentID, skillID), lazily
// initializing it from the configured prior. Reading has no side
// effect beyond that lazy creation: two reads with no intervening
// update return identical rows.
func (t *Tracer) Read(studentID, skillID string) (SkillMastery, error) {
	if err := validateIDs(studentID, skillID); err != nil {
		return SkillMastery{}, err
	}

	key := masteryKey{studentID: studentID, skillID: skillID}

	t.mu.RLock()
	row, ok := t.rows[key]
	t.mu.RUnlock()
	if ok {
		return row, nil
	}

	if t.db != nil {
		row, err := t.readRow(studentID, skillID)
		if err == nil {
			t.mu.Lock()
			t.rows[key] = row
			t.mu.Unlock()
			return row, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return SkillMastery{}, fmt.Errorf("read mastery %s/%s: %w", studentID, skillID, err)
		}
	}

	row = SkillMastery{
		StudentID:   studentID,
		SkillID:     skillID,
		PMastery:    t.params.Prior,
		PLearn:      t.params.Learn,
		PSlip:       t.params.Slip,
		PGuess:      t.params.Guess,
		LastUpdated: time.Now().UTC(),
	}

	t.mu.Lock()
	t.rows[key] = row
	t.mu.Unlock()

	return row, nil
}

// Update applies one observed response to the skill row and commits
// the result. The caller is responsible for serializing updates within
// a session; the Tracer's own lock only protects the row table.
func (t *Tracer) Update(studentID, skillID string, correct bool) (SkillMastery, error) {
	row, err := t.Read(studentID, skillID)
	if err != nil {
		return SkillMastery{}, err
	}

	next := Advance(row, correct)
	if err := t.Write(next); err != nil {
		return SkillMastery{}, err
	}
	return next, nil
}

// Advance computes the two-state BKT update for one observation
// without committing it. Posterior given the evidence, then the
// learning transition, then the clamp.
func Advance(row SkillMastery, correct bool) SkillMastery {
	m := row.PMastery
	var posterior float64
	if correct {
		posterior = m * (1 - row.PSlip) / (m*(1-row.PSlip) + (1-m)*row.PGuess)
	} else {
		posterior = m * row.PSlip / (m*row.PSlip + (1-m)*(1-row.PGuess))
	}

	next := posterior + (1-posterior)*row.PLearn
	row.PMastery = clamp(next)
	row.SampleCount++
	row.LastUpdated = time.Now().UTC()
	return row
}

// Write commits a precomputed row. Used by the coordinator so a
// selection timeout can abandon an in-flight update without leaving a
// partial write behind.
func (t *Tracer) Write(row SkillMastery) error {
	if err := validateIDs(row.StudentID, row.SkillID); err != nil {
		return err
	}

	if t.db != nil {
		if err := t.upsertRow(row); err != nil {
			return fmt.Errorf("write mastery %s/%s: %w", row.StudentID, row.SkillID, err)
		}
	}

	t.mu.Lock()
	t.rows[masteryKey{studentID: row.StudentID, skillID: row.SkillID}] = row
	t.mu.Unlock()

	return nil
}

// Snapshot returns the current rows for the given skills, initializing
// any the student has not touched yet.
func (t *Tracer) Snapshot(studentID string, skillIDs []string) ([]SkillMastery, error) {
	out := make([]SkillMastery, 0, len(skillIDs))
	for _, skillID := range skillIDs {
		row, err := t.Read(studentID, skillID)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *Tracer) upsertRow(row SkillMastery) error {
	_, err := t.db.Exec(`
		INSERT INTO skill_mastery (student_id, skill_id, p_mastery, p_learn, p_slip, p_guess, sample_count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, skill_id) DO UPDATE SET
			p_mastery = excluded.p_mastery,
			p_learn = excluded.p_learn,
			p_slip = excluded.p_slip,
			p_guess = excluded.p_guess,
			sample_count = excluded.sample_count,
			last_updated = excluded.last_updated
	`,
		row.StudentID,
		row.SkillID,
		row.PMastery,
		row.PLearn,
		row.PSlip,
		row.PGuess,
		row.SampleCount,
		row.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (t *Tracer) readRow(studentID, skillID string) (SkillMastery, error) {
	var (
		row         SkillMastery
		lastUpdated string
	)
	err := t.db.QueryRow(`
		SELECT student_id, skill_id, p_mastery, p_learn, p_slip, p_guess, sample_count, last_updated
		FROM skill_mastery
		WHERE student_id = ? AND skill_id = ?
	`, studentID, skillID).Scan(
		&row.StudentID,
		&row.SkillID,
		&row.PMastery,
		&row.PLearn,
		&row.PSlip,
		&row.PGuess,
		&row.SampleCount,
		&lastUpdated,
	)
	if err != nil {
		return SkillMastery{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		t.logger.Warn("unparseable last_updated, keeping zero time",
			zap.String("student_id", studentID),
			zap.String("skill_id", skillID),
			zap.Error(err),
		)
	} else {
		row.LastUpdated = ts
	}
	return row, nil
}

func validateIDs(studentID, skillID string) error {
	if strings.TrimSpace(studentID) == "" {
		return fmt.Errorf("%w: student id is required", shared.ErrInvalidObservation)
	}
	if strings.TrimSpace(skillID) == "" {
		return fmt.Errorf("%w: skill id is required", shared.ErrInvalidObservation)
	}
	return nil
}

func clamp(v float64) float64 {
	if v < masteryFloor {
		return masteryFloor
	}
	if v > masteryCeiling {
		return masteryCeiling
	}
	return v
}
