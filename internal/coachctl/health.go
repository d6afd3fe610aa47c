package coachctl

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthJSON mirrors the coach service health payload. The health
// endpoint returns its body unwrapped.
type HealthJSON struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// GetHealth retrieves the component health of the coach service
func GetHealth(client *HTTPClient) (*HealthJSON, error) {
	body, err := client.Get("/api/v1/health")
	if err != nil {
		return nil, err
	}

	var health HealthJSON
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	return &health, nil
}
