package domain

import "time"

// LogLevel enumerates release log severities.
type LogLevel string

// Log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is an immutable diagnostic line correlated to a release and optionally a step.
type LogEntry struct {
	ID        int64     `json:"id"`
	ReleaseID string    `json:"release_id"`
	StepID    *string   `json:"step_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
