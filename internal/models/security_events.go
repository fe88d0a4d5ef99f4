package models

import (
	"fmt"
	"strings"
	"time"
)

// ThreatLevel is the ordinal severity of a security event
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "LOW"
	case ThreatMedium:
		return "MEDIUM"
	case ThreatHigh:
		return "HIGH"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("ThreatLevel(%d)", int(l))
	}
}

func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *ThreatLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseThreatLevel(string(b))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

func ParseThreatLevel(s string) (ThreatLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return ThreatLow, nil
	case "MEDIUM":
		return ThreatMedium, nil
	case "HIGH":
		return ThreatHigh, nil
	case "CRITICAL":
		return ThreatCritical, nil
	}
	return ThreatLow, fmt.Errorf("unknown threat level %q", s)
}

// EventType names a kind of security event
type EventType string

const (
	EventLoginSuccess      EventType = "login_success"
	EventLoginFailure      EventType = "login_failure"
	EventValidationFailure EventType = "validation_failure"
	EventBruteForce        EventType = "brute_force_detected"
	EventBlockedIPAttempt  EventType = "blocked_ip_attempt"
	EventIPBlocked         EventType = "ip_blocked"
	EventMFARequired       EventType = "mfa_required"
	EventMFARegistered     EventType = "mfa_registered"
	EventMFASuccess        EventType = "mfa_success"
	EventMFAFailure        EventType = "mfa_failure"
	EventBackupCodeUsed    EventType = "mfa_backup_code_used"
	EventSessionCreated    EventType = "session_created"
	EventSessionEvicted    EventType = "session_evicted"
	EventSessionInvalid    EventType = "session_invalidated"
	EventSessionRisk       EventType = "session_risk_trip"
	EventInvalidToken      EventType = "invalid_token"
	EventSuspiciousInput   EventType = "suspicious_input"
	EventStorageError      EventType = "storage_error"
	EventLogout            EventType = "logout"
)

type SecurityEvent struct {
	ID            string                 `json:"event_id"`
	CorrelationID string                 `json:"correlation_id"`
	Type          EventType              `json:"event_type"`
	ThreatLevel   ThreatLevel            `json:"threat_level"`
	SourceIP      string                 `json:"source_ip"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Timestamp     time.Time              `json:"@timestamp"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Blocked       bool                   `json:"blocked"`
}
