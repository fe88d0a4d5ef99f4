package models

import "time"

const (
	AuthMethodPassword = "password"
	AuthMethodTOTP     = "totp"
	AuthMethodBackup   = "backup_code"
)

type Session struct {
	ID                string     `json:"session_id"`
	UserID            string     `json:"user_id"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	SourceIP          string     `json:"source_ip"`
	UserAgent         string     `json:"user_agent"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	RiskScore         int        `json:"risk_score"`
	AuthMethods       []string   `json:"auth_methods"`
	Valid             bool       `json:"valid"`
	InvalidatedAt     *time.Time `json:"invalidated_at,omitempty"`
	InvalidReason     string     `json:"invalid_reason,omitempty"`
}

// Snapshot copies the session for use outside the store's lock
func (s *Session) Snapshot() Session {
	out := *s
	out.AuthMethods = append([]string(nil), s.AuthMethods...)
	if s.InvalidatedAt != nil {
		t := *s.InvalidatedAt
		out.InvalidatedAt = &t
	}
	return out
}
