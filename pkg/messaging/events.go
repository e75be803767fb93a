package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Auth events
	EventResetRequested = "auth.password.reset_requested"
	EventUserRegistered = "auth.user.registered"
	EventEmailVerified  = "auth.user.email_verified"

	// Audit events
	EventAuditRecorded = "audit.event.recorded"
)

// Exchange names
const (
	ExchangeAuthEvents  = "auth.events"
	ExchangeAuditEvents = "audit.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// ResetRequestedEvent is published when a user asks for a password reset.
// The cleartext token travels only here; the store keeps its hash. The mail
// transport consuming this event is external to the service.
type ResetRequestedEvent struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	ResetToken string    `json:"reset_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UserRegisteredEvent is published on successful registration with the
// e-mail verification token attached.
type UserRegisteredEvent struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	VerifyToken string `json:"verify_token"`
}

// EmailVerifiedEvent is published when a user verifies their address.
type EmailVerifiedEvent struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	VerifiedAt time.Time `json:"verified_at"`
}
