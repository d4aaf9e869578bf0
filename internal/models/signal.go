package models

import "time"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Signal is a repair notification raised or cleared by the error classifier
type Signal struct {
	IssueID     string    `json:"issueId"`
	Kind        string    `json:"kind"`
	Severity    Severity  `json:"severity"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Message     string    `json:"message"`
	Remediation string    `json:"remediation,omitempty"`
	Active      bool      `json:"active"`
	At          time.Time `json:"at"`
}
