package notify

import (
	"strings"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo    Severity = "Info"
	SeverityWarning Severity = "Warning"
	SeverityError   Severity = "Error"
)

// Alert is a structured operator notification.
type Alert struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Audience  string    `json:"audience"`
	CreatedAt time.Time `json:"created_at"`
}

// Subject returns the NATS subject an alert of this severity is published on.
func (s Severity) Subject() string {
	return "evt.alert." + strings.ToLower(string(s)) + ".v1"
}
