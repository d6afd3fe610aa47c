package coachctl

import (
	"fmt"
	"time"
)

// SummaryJSON mirrors one persisted per-skill session summary row.
type SummaryJSON struct {
	SessionID   string    `json:"session_id"`
	SkillID     string    `json:"skill_id"`
	Mastery     float64   `json:"mastery"`
	Trend       float64   `json:"trend"`
	Confidence  float64   `json:"confidence"`
	SampleCount int       `json:"sample_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetSummaries retrieves recent session summaries for a student
func GetSummaries(client *HTTPClient, studentID string, limit int) ([]SummaryJSON, error) {
	if studentID == "" {
		return nil, fmt.Errorf("student id is required")
	}

	path := "/api/v1/summaries/" + studentID
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var summaries []SummaryJSON
	if err := ParseResponse(body, &summaries); err != nil {
		return nil, err
	}

	return summaries, nil
}
