package models

import "time"

// ThreatRecord tracks recent failures for one (ip, identifier) pair
type ThreatRecord struct {
	IP           string      `json:"ip"`
	Identifier   string      `json:"identifier"`
	Failures     []time.Time `json:"failures"`
	BlockedUntil *time.Time  `json:"blocked_until,omitempty"`
}

// BlockedIP is a time-bounded block on a source address
type BlockedIP struct {
	IP           string    `json:"ip"`
	Reason       string    `json:"reason"`
	BlockedAt    time.Time `json:"blocked_at"`
	BlockedUntil time.Time `json:"blocked_until"`
}

func (b *BlockedIP) ActiveAt(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}
