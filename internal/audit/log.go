// Package audit keeps the append-only security event trail. Events live in
// a bounded ring buffer; the oldest entry is overwritten on overflow. Every
// event is mirrored to the structured logger and handed to the sink
// dispatcher, which routes alerts and archives asynchronously.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-gateway/internal/clock"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

const (
	statusWindow   = 5 * time.Minute
	countingWindow = time.Hour

	highBurstThreshold   = 5
	volumeBurstThreshold = 20
)

type Option func(*models.SecurityEvent)

func WithUserID(userID string) Option {
	return func(ev *models.SecurityEvent) { ev.UserID = userID }
}

func WithBlocked(blocked bool) Option {
	return func(ev *models.SecurityEvent) { ev.Blocked = blocked }
}

// WithCorrelationID ties an event to an earlier one instead of minting a
// fresh correlation id
func WithCorrelationID(id string) Option {
	return func(ev *models.SecurityEvent) {
		if id != "" {
			ev.CorrelationID = id
		}
	}
}

type EventStatus struct {
	TotalEvents     int                `json:"total_events"`
	LastHourByLevel map[string]int     `json:"events_last_hour"`
	LastFiveMinutes int                `json:"events_last_5m"`
	Dropped         int64              `json:"dropped_sink_events"`
	ThreatLevel     models.ThreatLevel `json:"threat_level"`
}

type Log struct {
	mu     sync.RWMutex
	ring   []models.SecurityEvent
	next   int
	count  int
	clock  clock.Clock
	logger *zap.Logger
	sinks  *Dispatcher
}

// NewLog creates a log holding at most size events. dispatcher may be nil.
func NewLog(size int, clk clock.Clock, logger *zap.Logger, dispatcher *Dispatcher) *Log {
	if size < 1 {
		size = 1
	}
	return &Log{
		ring:   make([]models.SecurityEvent, size),
		clock:  clk,
		logger: logger,
		sinks:  dispatcher,
	}
}

// Log appends an event and returns it
func (l *Log) Log(eventType models.EventType, level models.ThreatLevel, sourceIP, userAgent string, details map[string]interface{}, opts ...Option) models.SecurityEvent {
	ev := models.SecurityEvent{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Type:          eventType,
		ThreatLevel:   level,
		SourceIP:      sourceIP,
		UserAgent:     util.SanitizeInput(userAgent),
		Timestamp:     l.clock.Now().UTC(),
		Details:       copyDetails(details),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	l.mu.Unlock()

	l.mirror(ev)
	if l.sinks != nil {
		l.sinks.Enqueue(ev)
	}
	return ev
}

func (l *Log) mirror(ev models.SecurityEvent) {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("event_type", string(ev.Type)),
		zap.Stringer("threat_level", ev.ThreatLevel),
		zap.String("source_ip", ev.SourceIP),
		zap.Bool("blocked", ev.Blocked),
	}
	if ev.UserID != "" {
		fields = append(fields, zap.String("user_id", ev.UserID))
	}
	if len(ev.Details) > 0 {
		fields = append(fields, zap.Any("details", ev.Details))
	}

	switch ev.ThreatLevel {
	case models.ThreatLow:
		l.logger.Info("Security event", fields...)
	case models.ThreatMedium:
		l.logger.Warn("Security event", fields...)
	default:
		l.logger.Error("Security event", fields...)
	}
}

// Since returns events at or after t, oldest first
func (l *Log) Since(t time.Time) []models.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.SecurityEvent
	l.each(func(ev *models.SecurityEvent) {
		if !ev.Timestamp.Before(t) {
			out = append(out, *ev)
		}
	})
	return out
}

// Recent returns up to n of the newest events, oldest first
func (l *Log) Recent(n int) []models.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]models.SecurityEvent, 0, n)
	skip := l.count - n
	l.each(func(ev *models.SecurityEvent) {
		if skip > 0 {
			skip--
			return
		}
		out = append(out, *ev)
	})
	return out
}

// Len returns the number of buffered events
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Status aggregates the last hour of events and derives the overall level
func (l *Log) Status() EventStatus {
	now := l.clock.Now()
	hourAgo := now.Add(-countingWindow)
	fiveAgo := now.Add(-statusWindow)

	status := EventStatus{
		LastHourByLevel: map[string]int{
			models.ThreatLow.String():      0,
			models.ThreatMedium.String():   0,
			models.ThreatHigh.String():     0,
			models.ThreatCritical.String(): 0,
		},
	}
	var criticalRecent, highRecent bool
	highCount := 0

	l.mu.RLock()
	status.TotalEvents = l.count
	l.each(func(ev *models.SecurityEvent) {
		if ev.Timestamp.Before(hourAgo) {
			return
		}
		status.LastHourByLevel[ev.ThreatLevel.String()]++
		if ev.Timestamp.Before(fiveAgo) {
			return
		}
		status.LastFiveMinutes++
		switch ev.ThreatLevel {
		case models.ThreatCritical:
			criticalRecent = true
		case models.ThreatHigh:
			highCount++
		}
	})
	l.mu.RUnlock()
	highRecent = highCount > highBurstThreshold

	switch {
	case criticalRecent:
		status.ThreatLevel = models.ThreatCritical
	case highRecent:
		status.ThreatLevel = models.ThreatHigh
	case status.LastFiveMinutes > volumeBurstThreshold:
		status.ThreatLevel = models.ThreatMedium
	default:
		status.ThreatLevel = models.ThreatLow
	}

	if l.sinks != nil {
		status.Dropped = l.sinks.Dropped()
	}
	return status
}

// each visits buffered events oldest first; caller holds the lock
func (l *Log) each(fn func(ev *models.SecurityEvent)) {
	start := 0
	if l.count == len(l.ring) {
		start = l.next
	}
	for i := 0; i < l.count; i++ {
		fn(&l.ring[(start+i)%len(l.ring)])
	}
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
