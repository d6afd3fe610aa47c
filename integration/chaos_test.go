package integration

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/hub"
	"github.com/quizmesh/quizmesh/internal/shared"
)

func TestReconnectResumesSession(t *testing.T) {
	h := newCoachHarness(t, defaultQuestions(), coordinator.Config{}, hub.Config{})

	conn := h.dial("token-1")
	rec := h.join(conn, "sess-1", "student-1")
	next := h.answer(conn, "sess-1", rec.Question.ID, "resp-1", true, 20)

	// Drop the connection mid-session; the session survives on the
	// server.
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	conn2 := h.dial("token-1")
	resumed := h.join(conn2, "sess-1", "student-1")
	if resumed.Question.ID != next.Question.ID {
		t.Errorf("resume returned %s, expected the standing offer %s", resumed.Question.ID, next.Question.ID)
	}

	// The resumed session keeps working.
	h.answer(conn2, "sess-1", resumed.Question.ID, "resp-2", false, 40)
}

func TestDuplicateRequestIDReturnsSameRecommendation(t *testing.T) {
	h := newCoachHarness(t, defaultQuestions(), coordinator.Config{}, hub.Config{})

	conn := h.dial("token-1")
	rec := h.join(conn, "sess-1", "student-1")

	first := h.answer(conn, "sess-1", rec.Question.ID, "resp-retry", true, 20)

	// A network retry re-sends the same request id. The observation
	// must not be applied twice; the same recommendation comes back.
	correct := true
	h.send(conn, shared.MessageTypeResponse, "resp-retry", shared.ResponsePayload{
		SessionID:  "sess-1",
		QuestionID: rec.Question.ID,
		Correct:    &correct,
		TimeSpent:  20,
	})
	replay := h.readRecommendation(conn)
	if replay.Question.ID != first.Question.ID {
		t.Errorf("retry returned %s, expected %s", replay.Question.ID, first.Question.ID)
	}

	row, err := h.tracer.Read("student-1", rec.Question.Skill)
	if err != nil {
		t.Fatalf("read mastery row: %v", err)
	}
	if row.SampleCount != 1 {
		t.Errorf("duplicate request was applied: sample count %d", row.SampleCount)
	}
}

func TestMalformedTrafficDoesNotPoisonSession(t *testing.T) {
	h := newCoachHarness(t, defaultQuestions(), coordinator.Config{}, hub.Config{})

	conn := h.dial("token-1")
	rec := h.join(conn, "sess-1", "student-1")

	// Garbage bytes.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	h.readUntil(conn, shared.MessageTypeError)

	// Response whose payload is not even an object.
	h.send(conn, shared.MessageTypeResponse, "bad-0", []int{1, 2, 3})
	env := h.readUntil(conn, shared.MessageTypeError)
	var errPayload shared.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if errPayload.Kind != "invalid_payload" {
		t.Errorf("expected invalid_payload, got %s", errPayload.Kind)
	}

	// Response without the correct field.
	h.send(conn, shared.MessageTypeResponse, "bad-1", shared.ResponsePayload{
		SessionID:  "sess-1",
		QuestionID: rec.Question.ID,
		TimeSpent:  10,
	})
	env = h.readUntil(conn, shared.MessageTypeError)
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if errPayload.Kind != "invalid_observation" {
		t.Errorf("expected invalid_observation, got %s", errPayload.Kind)
	}

	// Response for a question that was never offered.
	correct := true
	h.send(conn, shared.MessageTypeResponse, "bad-2", shared.ResponsePayload{
		SessionID:  "sess-1",
		QuestionID: "never-offered",
		Correct:    &correct,
		TimeSpent:  10,
	})
	env = h.readUntil(conn, shared.MessageTypeError)
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if errPayload.Kind != "unknown_question" {
		t.Errorf("expected unknown_question, got %s", errPayload.Kind)
	}

	// The session still accepts a well-formed answer.
	h.answer(conn, "sess-1", rec.Question.ID, "good-1", true, 30)
}

func TestConcurrentStudentsIsolated(t *testing.T) {
	h := newCoachHarness(t, defaultQuestions(), coordinator.Config{}, hub.Config{})

	type result struct {
		studentID string
		answered  int
	}
	results := make(chan result, 2)

	var wg sync.WaitGroup
	for _, c := range []struct {
		token     string
		studentID string
		sessionID string
	}{
		{"token-1", "student-1", "sess-a"},
		{"token-2", "student-2", "sess-b"},
	} {
		wg.Add(1)
		go func(token, studentID, sessionID string) {
			defer wg.Done()

			conn := h.dial(token)
			rec := h.join(conn, sessionID, studentID)
			answered := 0
			for i := 0; i < 4; i++ {
				rec = h.answer(conn, sessionID, rec.Question.ID, reqID(sessionID, i), i%2 == 0, 15)
				answered++
			}
			results <- result{studentID: studentID, answered: answered}
		}(c.token, c.studentID, c.sessionID)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.answered != 4 {
			t.Errorf("student %s completed %d answers, expected 4", r.studentID, r.answered)
		}
	}

	stats := h.coord.Stats()
	if stats.ActiveSessions != 2 {
		t.Errorf("expected 2 active sessions, got %d", stats.ActiveSessions)
	}
}

func TestIdleSessionSweptAndTombstoned(t *testing.T) {
	h := newCoachHarness(t, defaultQuestions(), coordinator.Config{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		CloseGrace:    50 * time.Millisecond,
	}, hub.Config{})

	conn := h.dial("token-1")
	h.join(conn, "sess-1", "student-1")

	// Wait out idle timeout plus grace; the sweeper runs on its own
	// ticker inside the harness.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.coord.Stats().ClosedTotal > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if h.coord.Stats().ClosedTotal == 0 {
		t.Fatal("idle session was never closed")
	}

	conn2 := h.dial("token-1")
	h.send(conn2, shared.MessageTypeJoin, "rejoin", shared.JoinPayload{
		SessionID: "sess-1",
		StudentID: "student-1",
	})
	env := h.readUntil(conn2, shared.MessageTypeError)
	var errPayload shared.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if errPayload.Kind != "session_not_found" {
		t.Errorf("expected session_not_found, got %s", errPayload.Kind)
	}
}
