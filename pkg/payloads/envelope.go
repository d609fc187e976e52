package payloads

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the only envelope layout the intake consumer accepts.
const EnvelopeVersion = 1

// Envelope wraps every message producers publish to the notification topic.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Producer   string          `json:"producer,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// IntentSubmission is the wire form of one notification intent, shared by the
// HTTP intake endpoint and the pubsub consumer.
type IntentSubmission struct {
	Recipient     string        `json:"recipient" validate:"required,email"`
	SubjectUserID *uuid.UUID    `json:"subjectUserId,omitempty"`
	ContextID     int64         `json:"contextId" validate:"required,gt=0"`
	Payload       IntentPayload `json:"payload"`
}
