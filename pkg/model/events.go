package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire wrapper for every event published to NATS.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	AccountID string          `json:"account_id"`
	Exchange  string          `json:"exchange"`
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(topic, eventType, accountID, exchange string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New(),
		AccountID: accountID,
		Exchange:  exchange,
		Topic:     topic,
		EventType: eventType,
		Version:   "1.0.0",
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}
