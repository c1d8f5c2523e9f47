package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventConnection            EventType = "CONNECTION"
	EventDisconnection         EventType = "DISCONNECTION"
	EventCommandSent           EventType = "COMMAND_SENT"
	EventCommandReceived       EventType = "COMMAND_RECEIVED"
	EventDataSent              EventType = "DATA_SENT"
	EventDataReceived          EventType = "DATA_RECEIVED"
	EventSecurityViolation     EventType = "SECURITY_VIOLATION"
	EventAuthenticationFailure EventType = "AUTHENTICATION_FAILURE"
	EventIntegrityFailure      EventType = "INTEGRITY_FAILURE"
	EventSOSTriggered          EventType = "SOS_TRIGGERED"
	EventConfigurationChange   EventType = "CONFIGURATION_CHANGE"
	EventError                 EventType = "ERROR"
)

// Severity is ordered: Info < Warning < Error < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseSeverity accepts the names produced by Severity.String, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "ERROR":
		return SeverityError, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("audit: unknown severity %q", s)
	}
}

// Entry is one immutable audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Details   string    `json:"details"`
	Success   bool      `json:"success"`
}

// Line renders the entry in export form:
// timestamp|eventType|severity|source|details|OK-or-FAIL
// The timestamp is Unix milliseconds.
func (e Entry) Line() string {
	result := "FAIL"
	if e.Success {
		result = "OK"
	}
	return strings.Join([]string{
		strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		string(e.EventType),
		e.Severity.String(),
		field(e.Source),
		field(e.Details),
		result,
	}, "|")
}

// field keeps free text from breaking the one-line, pipe-delimited layout.
var fieldReplacer = strings.NewReplacer("|", "/", "\r", " ", "\n", " ")

func field(s string) string {
	return fieldReplacer.Replace(s)
}
