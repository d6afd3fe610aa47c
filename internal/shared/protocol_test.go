package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := json.RawMessage(`{"session_id":"sess-1","student_id":"student-1"}`)
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      string(MessageTypeJoin),
		RequestID: "req-123",
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}

	data, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("MarshalEnvelope failed: %v", err)
	}

	unmarshaled, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}

	if unmarshaled.Version != env.Version {
		t.Errorf("Version mismatch: got %d, want %d", unmarshaled.Version, env.Version)
	}
	if unmarshaled.Type != env.Type {
		t.Errorf("Type mismatch: got %s, want %s", unmarshaled.Type, env.Type)
	}
	if unmarshaled.RequestID != env.RequestID {
		t.Errorf("RequestID mismatch: got %s, want %s", unmarshaled.RequestID, env.RequestID)
	}
	if string(unmarshaled.Payload) != string(env.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(unmarshaled.Payload), string(env.Payload))
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(MessageTypeJoined, "req-1", map[string]string{"session_id": "sess-1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	if env.Version != ProtocolVersion {
		t.Errorf("expected version %d, got %d", ProtocolVersion, env.Version)
	}
	if env.Type != string(MessageTypeJoined) {
		t.Errorf("expected type joined, got %s", env.Type)
	}
	if env.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}

	if _, err := MarshalEnvelope(env); err != nil {
		t.Errorf("new envelope should marshal cleanly: %v", err)
	}
}

func TestEnvelopeUnsupportedVersion(t *testing.T) {
	env := &Envelope{
		Version:   999,
		Type:      string(MessageTypeJoin),
		RequestID: "req-456",
		Timestamp: time.Now().Unix(),
		Payload:   json.RawMessage(`{}`),
	}

	_, err := MarshalEnvelope(env)
	if err == nil {
		t.Fatal("MarshalEnvelope should reject unsupported version")
	}
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestEnvelopeMissingType(t *testing.T) {
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      "",
		RequestID: "req-101",
		Timestamp: time.Now().Unix(),
		Payload:   json.RawMessage(`{}`),
	}

	_, err := MarshalEnvelope(env)
	if err == nil {
		t.Fatal("MarshalEnvelope should reject missing type")
	}
	if err != ErrMissingType {
		t.Errorf("Expected ErrMissingType, got %v", err)
	}
}

func TestEnvelopeMissingTimestamp(t *testing.T) {
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      string(MessageTypeJoin),
		RequestID: "req-102",
		Timestamp: 0,
		Payload:   json.RawMessage(`{}`),
	}

	_, err := MarshalEnvelope(env)
	if err == nil {
		t.Fatal("MarshalEnvelope should reject zero timestamp")
	}
	if err != ErrMissingTimestamp {
		t.Errorf("Expected ErrMissingTimestamp, got %v", err)
	}
}

func TestJoinPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload JoinPayload
		wantErr bool
	}{
		{"valid", JoinPayload{SessionID: "sess-1", StudentID: "student-1"}, false},
		{"valid with extras", JoinPayload{SessionID: "sess-1", StudentID: "student-1", TestType: "sat_math", ClientVersion: "1.2.0"}, false},
		{"missing session id", JoinPayload{StudentID: "student-1"}, true},
		{"missing student id", JoinPayload{SessionID: "sess-1"}, true},
		{"whitespace session id", JoinPayload{SessionID: "   ", StudentID: "student-1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestResponsePayloadValidate(t *testing.T) {
	correct := true

	tests := []struct {
		name     string
		payload  ResponsePayload
		wantErr  error
		wantPass bool
	}{
		{"valid", ResponsePayload{SessionID: "sess-1", QuestionID: "q1", Correct: &correct, TimeSpent: 42.5}, nil, true},
		{"missing session id", ResponsePayload{QuestionID: "q1", Correct: &correct}, ErrInvalidPayload, false},
		{"missing question id", ResponsePayload{SessionID: "sess-1", Correct: &correct}, ErrInvalidPayload, false},
		{"missing correct", ResponsePayload{SessionID: "sess-1", QuestionID: "q1"}, ErrInvalidObservation, false},
		{"negative time spent", ResponsePayload{SessionID: "sess-1", QuestionID: "q1", Correct: &correct, TimeSpent: -1}, ErrInvalidPayload, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantPass {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResponsePayloadAbsentCorrectDistinctFromFalse(t *testing.T) {
	var absent ResponsePayload
	if err := json.Unmarshal([]byte(`{"session_id":"s","question_id":"q","time_spent_seconds":10}`), &absent); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if absent.Correct != nil {
		t.Error("absent correct field should unmarshal to nil")
	}
	if err := absent.Validate(); !errors.Is(err, ErrInvalidObservation) {
		t.Errorf("expected ErrInvalidObservation for absent correct, got %v", err)
	}

	var explicit ResponsePayload
	if err := json.Unmarshal([]byte(`{"session_id":"s","question_id":"q","correct":false}`), &explicit); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if explicit.Correct == nil || *explicit.Correct {
		t.Error("explicit false should unmarshal to non-nil false")
	}
	if err := explicit.Validate(); err != nil {
		t.Errorf("explicit false should validate: %v", err)
	}
}

func TestEndSessionPayloadValidate(t *testing.T) {
	valid := EndSessionPayload{SessionID: "sess-1"}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	invalid := EndSessionPayload{}
	if err := invalid.Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{ErrInvalidPayload, "invalid_payload"},
		{ErrInvalidObservation, "invalid_observation"},
		{ErrUnknownQuestion, "unknown_question"},
		{ErrNoQuestionsAvailable, "no_questions_available"},
		{ErrRateLimited, "rate_limited"},
		{ErrSelectionTimeout, "selection_timeout"},
		{ErrUnauthorized, "unauthorized"},
		{ErrSessionNotFound, "session_not_found"},
		{ErrUnsupportedClient, "unsupported_client"},
		{errors.New("anything else"), "internal"},
	}

	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.kind {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.kind)
		}
	}
}

func TestErrorKindUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("selecting for session sess-1: %w", ErrNoQuestionsAvailable)
	if got := ErrorKind(wrapped); got != "no_questions_available" {
		t.Errorf("ErrorKind(wrapped) = %s, want no_questions_available", got)
	}
}
