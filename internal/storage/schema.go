package storage

import (
	"database/sql"
	"fmt"
	"time"
)

type MasteryRow struct {
	StudentID   string
	SkillID     string
	PMastery    float64
	PLearn      float64
	PSlip       float64
	PGuess      float64
	SampleCount int
	LastUpdated string
}

type SummaryRow struct {
	ID          string
	SessionID   string
	StudentID   string
	SkillID     string
	Mastery     float64
	Trend       float64
	Confidence  float64
	SampleCount int
	CreatedAt   string
}

type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// ParseTimestamp parses the timestamp formats sqlite hands back.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", value)
}
