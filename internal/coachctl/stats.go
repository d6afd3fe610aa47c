package coachctl

// StatsJSON mirrors the coach service stats payload.
type StatsJSON struct {
	ActiveSessions int    `json:"active_sessions"`
	IdleSessions   int    `json:"idle_sessions"`
	ClosedTotal    uint64 `json:"closed_total"`
	Connections    int    `json:"connections"`
	Rooms          int    `json:"rooms"`
}

// GetStats retrieves live session and connection counts
func GetStats(client *HTTPClient) (*StatsJSON, error) {
	body, err := client.Get("/api/v1/stats")
	if err != nil {
		return nil, err
	}

	var stats StatsJSON
	if err := ParseResponse(body, &stats); err != nil {
		return nil, err
	}

	return &stats, nil
}
