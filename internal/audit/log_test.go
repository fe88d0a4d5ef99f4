package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-gateway/internal/clock"
	"auth-gateway/internal/models"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(size int) (*Log, *clock.Fake) {
	clk := clock.NewFake(epoch)
	return NewLog(size, clk, zap.NewNop(), nil), clk
}

func TestLogAssignsIdentifiers(t *testing.T) {
	l, _ := newTestLog(10)

	a := l.Log(models.EventLoginFailure, models.ThreatMedium, "1.2.3.4", "ua", map[string]interface{}{"email": "a@b.com"}, WithUserID("u1"))
	b := l.Log(models.EventLoginFailure, models.ThreatMedium, "1.2.3.4", "ua", nil, WithCorrelationID(a.CorrelationID), WithBlocked(true))

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.CorrelationID, b.CorrelationID)
	assert.Equal(t, "u1", a.UserID)
	assert.True(t, b.Blocked)
	assert.Equal(t, epoch, a.Timestamp)
}

func TestLogCopiesDetails(t *testing.T) {
	l, _ := newTestLog(10)
	details := map[string]interface{}{"k": "v"}
	l.Log(models.EventLogout, models.ThreatLow, "ip", "", details)
	details["k"] = "changed"

	assert.Equal(t, "v", l.Recent(1)[0].Details["k"])
}

func TestRingBufferEvictsOldest(t *testing.T) {
	l, clk := newTestLog(3)
	for i := 0; i < 5; i++ {
		l.Log(models.EventLoginSuccess, models.ThreatLow, "ip", "", map[string]interface{}{"n": i})
		clk.Advance(time.Second)
	}

	assert.Equal(t, 3, l.Len())
	recent := l.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Details["n"])
	assert.Equal(t, 4, recent[2].Details["n"])

	last := l.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, 4, last[0].Details["n"])
	assert.Nil(t, l.Recent(0))
}

func TestSince(t *testing.T) {
	l, clk := newTestLog(10)
	l.Log(models.EventLoginSuccess, models.ThreatLow, "ip", "", nil)
	clk.Advance(10 * time.Minute)
	cut := clk.Now()
	l.Log(models.EventLoginFailure, models.ThreatMedium, "ip", "", nil)

	got := l.Since(cut)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventLoginFailure, got[0].Type)
}

func TestStatusThreatLevel(t *testing.T) {
	t.Run("quiet is low", func(t *testing.T) {
		l, _ := newTestLog(100)
		l.Log(models.EventLoginSuccess, models.ThreatLow, "ip", "", nil)
		assert.Equal(t, models.ThreatLow, l.Status().ThreatLevel)
	})

	t.Run("many events is medium", func(t *testing.T) {
		l, _ := newTestLog(100)
		for i := 0; i < 21; i++ {
			l.Log(models.EventLoginSuccess, models.ThreatLow, "ip", "", nil)
		}
		assert.Equal(t, models.ThreatMedium, l.Status().ThreatLevel)
	})

	t.Run("twenty events is still low", func(t *testing.T) {
		l, _ := newTestLog(100)
		for i := 0; i < 20; i++ {
			l.Log(models.EventLoginSuccess, models.ThreatLow, "ip", "", nil)
		}
		assert.Equal(t, models.ThreatLow, l.Status().ThreatLevel)
	})

	t.Run("more than five high is high", func(t *testing.T) {
		l, _ := newTestLog(100)
		for i := 0; i < 5; i++ {
			l.Log(models.EventSessionRisk, models.ThreatHigh, "ip", "", nil)
		}
		assert.Equal(t, models.ThreatLow, l.Status().ThreatLevel)
		l.Log(models.EventSessionRisk, models.ThreatHigh, "ip", "", nil)
		assert.Equal(t, models.ThreatHigh, l.Status().ThreatLevel)
	})

	t.Run("any recent critical is critical", func(t *testing.T) {
		l, clk := newTestLog(100)
		l.Log(models.EventBruteForce, models.ThreatCritical, "ip", "", nil)
		assert.Equal(t, models.ThreatCritical, l.Status().ThreatLevel)

		clk.Advance(6 * time.Minute)
		status := l.Status()
		assert.Equal(t, models.ThreatLow, status.ThreatLevel)
		assert.Equal(t, 1, status.LastHourByLevel["CRITICAL"])
		assert.Equal(t, 0, status.LastFiveMinutes)

		clk.Advance(time.Hour)
		assert.Equal(t, 0, l.Status().LastHourByLevel["CRITICAL"])
		assert.Equal(t, 1, l.Status().TotalEvents)
	})
}

type recordingSink struct {
	name    string
	accepts func(models.SecurityEvent) bool
	fail    bool

	mu     sync.Mutex
	events []models.SecurityEvent
	closed bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Accepts(ev models.SecurityEvent) bool {
	if s.accepts == nil {
		return true
	}
	return s.accepts(ev)
}

func (s *recordingSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) got() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...)
}

func TestDispatcherRoutesAlertsAndArchives(t *testing.T) {
	alerts := &recordingSink{name: "alerts", accepts: AlertsOnly}
	archive := &recordingSink{name: "archive"}
	broken := &recordingSink{name: "broken", fail: true}

	d := NewDispatcher(16, zap.NewNop(), alerts, archive, broken)
	d.Start()
	l := NewLog(10, clock.NewFake(epoch), zap.NewNop(), d)

	l.Log(models.EventLoginSuccess, models.ThreatLow, "ip", "", nil)
	l.Log(models.EventLoginFailure, models.ThreatMedium, "ip", "", nil)
	l.Log(models.EventSessionRisk, models.ThreatHigh, "ip", "", nil)
	l.Log(models.EventBruteForce, models.ThreatCritical, "ip", "", nil)

	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, archive.got(), 4)
	got := alerts.got()
	require.Len(t, got, 2)
	assert.Equal(t, models.ThreatHigh, got[0].ThreatLevel)
	assert.Equal(t, models.ThreatCritical, got[1].ThreatLevel)
	assert.True(t, alerts.closed)
	assert.True(t, broken.closed)

	assert.False(t, d.Enqueue(models.SecurityEvent{}))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	archive := &recordingSink{name: "archive"}
	// not started: nothing drains the queue
	d := NewDispatcher(2, zap.NewNop(), archive)

	assert.True(t, d.Enqueue(models.SecurityEvent{ID: "1"}))
	assert.True(t, d.Enqueue(models.SecurityEvent{ID: "2"}))
	assert.False(t, d.Enqueue(models.SecurityEvent{ID: "3"}))
	assert.Equal(t, int64(1), d.Dropped())

	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, archive.got(), 2)
}
