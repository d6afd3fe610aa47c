package shared

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope represents a protocol message wrapper with version, type, request ID, timestamp, and payload
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an outbound envelope of the given type around a
// JSON-marshaled payload.
func NewEnvelope(msgType MessageType, requestID string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		Version:   ProtocolVersion,
		Type:      string(msgType),
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
		Payload:   data,
	}, nil
}

// MarshalEnvelope converts an Envelope to JSON bytes
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// validateEnvelope checks that the envelope has all required fields and valid version
func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}

// JoinPayload is the inbound "join" request body.
type JoinPayload struct {
	SessionID     string `json:"session_id"`
	StudentID     string `json:"student_id"`
	TestType      string `json:"test_type,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// Validate rejects a join payload missing required fields.
func (p *JoinPayload) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.StudentID) == "" {
		return fmt.Errorf("%w: student_id is required", ErrInvalidPayload)
	}
	return nil
}

// ResponsePayload is the inbound "response" request body. Correct is a
// pointer so an absent field is distinguishable from an explicit false
// and can be rejected before any state mutation.
type ResponsePayload struct {
	SessionID  string  `json:"session_id"`
	QuestionID string  `json:"question_id"`
	Correct    *bool   `json:"correct"`
	TimeSpent  float64 `json:"time_spent_seconds"`
}

// Validate rejects a response payload missing required fields.
func (p *ResponsePayload) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.QuestionID) == "" {
		return fmt.Errorf("%w: question_id is required", ErrInvalidPayload)
	}
	if p.Correct == nil {
		return fmt.Errorf("%w: correct is required", ErrInvalidObservation)
	}
	if p.TimeSpent < 0 {
		return fmt.Errorf("%w: time_spent_seconds must be >= 0", ErrInvalidPayload)
	}
	return nil
}

// EndSessionPayload is the inbound "end_session" request body.
type EndSessionPayload struct {
	SessionID string `json:"session_id"`
}

// Validate rejects an end_session payload missing required fields.
func (p *EndSessionPayload) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidPayload)
	}
	return nil
}

// ErrorPayload is the outbound "error" event body. Kind is one of the
// stable strings produced by ErrorKind.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
