package shared

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Domain error taxonomy. Each sentinel maps to a stable wire kind via
// ErrorKind so clients can branch on the kind string without parsing
// free-text messages. All of these are terminal for the triggering
// request only; ErrUnauthorized and ErrUnsupportedClient refuse the
// join outright, everything else leaves session and connection intact.
var (
	ErrInvalidObservation   = errors.New("invalid observation")
	ErrUnknownQuestion      = errors.New("question was not offered in this session")
	ErrNoQuestionsAvailable = errors.New("no questions available")
	ErrRateLimited          = errors.New("rate limited")
	ErrSelectionTimeout     = errors.New("selection timed out")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSessionNotFound      = errors.New("session not found")
	ErrUnsupportedClient    = errors.New("unsupported client version")
)

// ErrorKind returns the stable wire kind for a domain error, or
// "internal" for anything outside the taxonomy.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrInvalidObservation):
		return "invalid_observation"
	case errors.Is(err, ErrUnknownQuestion):
		return "unknown_question"
	case errors.Is(err, ErrNoQuestionsAvailable):
		return "no_questions_available"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSelectionTimeout):
		return "selection_timeout"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrUnsupportedClient):
		return "unsupported_client"
	default:
		return "internal"
	}
}

// MessageType represents the type of message being sent
type MessageType string

// Inbound message types (client -> hub).
const (
	MessageTypeJoin       MessageType = "join"
	MessageTypeResponse   MessageType = "response"
	MessageTypeEndSession MessageType = "end_session"
	MessageTypeHealth     MessageType = "health"
	MessageTypeStats      MessageType = "stats"
)

// Outbound message types (hub -> client).
const (
	MessageTypeJoined          MessageType = "joined"
	MessageTypeRecommendation  MessageType = "recommendation"
	MessageTypeSessionEnded    MessageType = "session_ended"
	MessageTypeAnalyticsUpdate MessageType = "analytics_update"
	MessageTypeError           MessageType = "error"
)
