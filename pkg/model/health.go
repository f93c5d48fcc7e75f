package model

import (
	"strings"
	"time"
)

// Health is the last-observed availability classification of a dependency.
type Health string

const (
	HealthUnknown Health = "Unknown"
	HealthOnline  Health = "Online"
	HealthOffline Health = "Offline"
	HealthFailing Health = "Failing"
	HealthError   Health = "Error"
)

// NoStatusCode marks a state that was not derived from an HTTP response.
const NoStatusCode = -1

// ExternalDependencyState is the persisted health record of one external dependency.
type ExternalDependencyState struct {
	Dependency  string    `json:"dependency"`
	Instance    string    `json:"instance"`
	ObservedAt  time.Time `json:"observed_at"`
	Health      Health    `json:"health"`
	StatusCode  int       `json:"status_code"`
	LastMessage string    `json:"last_message,omitempty"`
}

// UnknownState returns the lazily created initial state for a dependency.
func UnknownState(dependency, instance string) ExternalDependencyState {
	return ExternalDependencyState{
		Dependency: dependency,
		Instance:   instance,
		Health:     HealthUnknown,
		StatusCode: NoStatusCode,
	}
}

// ParseHealth is case-insensitive and maps unrecognized values to HealthUnknown.
func ParseHealth(s string) Health {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return HealthOnline
	case "offline":
		return HealthOffline
	case "failing":
		return HealthFailing
	case "error":
		return HealthError
	default:
		return HealthUnknown
	}
}
