package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const ua = "Mozilla/5.0"

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		MaxPerUser:      3,
		AbsoluteTimeout: time.Hour,
		IdleTimeout:     15 * time.Minute,
		RiskTrip:        40,
		IPChangeRisk:    50,
		UAChangeRisk:    30,
		Retention:       time.Hour,
	}
}

func newTestStore(t *testing.T) (*Store, *clock.Fake, *audit.Log) {
	t.Helper()
	clk := clock.NewFake(epoch)
	log := audit.NewLog(100, clk, zap.NewNop(), nil)
	return NewStore(testConfig(), clk, zap.NewNop(), log, bucketing.NewBucketingManager(8)), clk, log
}

func TestCreateAndValidate(t *testing.T) {
	s, clk, _ := newTestStore(t)

	sess, err := s.Create("user-1", "10.0.0.1", ua, []string{models.AuthMethodPassword})
	require.NoError(t, err)
	assert.True(t, sess.Valid)
	assert.Equal(t, Fingerprint(ua, "10.0.0.1"), sess.DeviceFingerprint)

	clk.Advance(time.Minute)
	v := s.Validate(sess.ID, "10.0.0.1", ua)
	require.True(t, v.Valid)
	assert.Equal(t, "user-1", v.Session.UserID)
	assert.Equal(t, clk.Now(), v.Session.LastActivity)
	assert.Equal(t, 0, v.Session.RiskScore)
}

func TestCreateRequiresUser(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create("", "ip", ua, nil)
	require.ErrorIs(t, err, ErrMissingUser)
}

func TestValidateUnknownSession(t *testing.T) {
	s, _, _ := newTestStore(t)
	v := s.Validate("nope", "ip", ua)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonNotFound, v.Reason)
}

func TestIdleTimeout(t *testing.T) {
	s, clk, _ := newTestStore(t)
	sess, err := s.Create("user-1", "10.0.0.1", ua, nil)
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	require.True(t, s.Validate(sess.ID, "10.0.0.1", ua).Valid, "exactly the idle window is still valid")

	clk.Advance(15*time.Minute + time.Second)
	v := s.Validate(sess.ID, "10.0.0.1", ua)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonIdle, v.Reason)

	v = s.Validate(sess.ID, "10.0.0.1", ua)
	assert.Equal(t, ReasonInvalidated, v.Reason)
	assert.Equal(t, 0, s.ActiveCount())
}

func TestAbsoluteTimeout(t *testing.T) {
	s, clk, _ := newTestStore(t)
	sess, err := s.Create("user-1", "10.0.0.1", ua, nil)
	require.NoError(t, err)

	// keep it active so only the absolute ceiling applies
	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Minute)
		require.True(t, s.Validate(sess.ID, "10.0.0.1", ua).Valid)
	}
	clk.Advance(time.Second)
	v := s.Validate(sess.ID, "10.0.0.1", ua)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonExpired, v.Reason)
}

func TestIPChangeTripsRisk(t *testing.T) {
	s, _, log := newTestStore(t)
	sess, err := s.Create("user-1", "10.0.0.1", ua, nil)
	require.NoError(t, err)

	require.True(t, s.Validate(sess.ID, "10.0.0.1", ua).Valid)

	v := s.Validate(sess.ID, "10.0.0.2", ua)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonRisk, v.Reason)

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 50, got.RiskScore)
	assert.False(t, got.Valid)

	// the original ip no longer helps
	assert.False(t, s.Validate(sess.ID, "10.0.0.1", ua).Valid)

	events := log.Recent(10)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.EventSessionRisk, last.Type)
	assert.Equal(t, models.ThreatHigh, last.ThreatLevel)
	assert.Equal(t, "user-1", last.UserID)
}

func TestUserAgentChangeAccumulates(t *testing.T) {
	s, _, _ := newTestStore(t)
	sess, err := s.Create("user-1", "10.0.0.1", ua, nil)
	require.NoError(t, err)

	v := s.Validate(sess.ID, "10.0.0.1", "curl/8.0")
	require.True(t, v.Valid)
	assert.Equal(t, 30, v.Session.RiskScore)
	assert.Equal(t, "curl/8.0", v.Session.UserAgent)

	// same new agent: no further risk
	v = s.Validate(sess.ID, "10.0.0.1", "curl/8.0")
	require.True(t, v.Valid)
	assert.Equal(t, 30, v.Session.RiskScore)

	v = s.Validate(sess.ID, "10.0.0.1", ua)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonRisk, v.Reason)
}

func TestCapEvictsExactlyTheOldest(t *testing.T) {
	s, clk, log := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := s.Create("user-1", "10.0.0.1", ua, nil)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		clk.Advance(time.Second)
	}
	fourth, err := s.Create("user-1", "10.0.0.1", ua, nil)
	require.NoError(t, err)

	v := s.Validate(ids[0], "10.0.0.1", ua)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonInvalidated, v.Reason)
	for _, id := range append(ids[1:], fourth.ID) {
		assert.True(t, s.Validate(id, "10.0.0.1", ua).Valid)
	}

	active := s.UserSessions("user-1")
	require.Len(t, active, 3)
	assert.Equal(t, ids[1], active[0].ID)

	evicted, _ := s.Get(ids[0])
	assert.Equal(t, ReasonEvicted, evicted.InvalidReason)
	assert.Equal(t, models.EventSessionEvicted, log.Recent(1)[0].Type)
}

func TestConcurrentCreatesRespectCap(t *testing.T) {
	s, _, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create("user-1", "10.0.0.1", ua, nil)
			assert.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create("user-2", "10.0.0.2", ua, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, s.UserSessions("user-1"), 3)
	assert.Len(t, s.UserSessions("user-2"), 3)
	assert.Equal(t, 6, s.ActiveCount())
}

func TestInvalidate(t *testing.T) {
	s, _, _ := newTestStore(t)
	a, _ := s.Create("user-1", "ip", ua, nil)
	b, _ := s.Create("user-1", "ip", ua, nil)

	assert.True(t, s.Invalidate(a.ID, ReasonLogout))
	assert.False(t, s.Invalidate(a.ID, ReasonLogout))
	assert.False(t, s.Invalidate("missing", ReasonLogout))
	assert.False(t, s.Validate(a.ID, "ip", ua).Valid)
	assert.True(t, s.Validate(b.ID, "ip", ua).Valid)

	assert.Equal(t, 1, s.InvalidateUser("user-1", "password changed"))
	assert.False(t, s.Validate(b.ID, "ip", ua).Valid)
	assert.Equal(t, 0, s.ActiveCount())
}

func TestGC(t *testing.T) {
	s, clk, _ := newTestStore(t)
	idle, _ := s.Create("user-1", "ip", ua, nil)
	gone, _ := s.Create("user-2", "ip", ua, nil)
	s.Invalidate(gone.ID, ReasonLogout)

	clk.Advance(16 * time.Minute)
	expired, removed := s.GC()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, removed)

	got, ok := s.Get(idle.ID)
	require.True(t, ok, "invalidated sessions are kept until retention elapses")
	assert.Equal(t, ReasonIdle, got.InvalidReason)

	clk.Advance(time.Hour + time.Second)
	expired, removed = s.GC()
	assert.Equal(t, 0, expired)
	assert.Equal(t, 2, removed)
	_, ok = s.Get(gone.ID)
	assert.False(t, ok)
	assert.Equal(t, ReasonNotFound, s.Validate(idle.ID, "ip", ua).Reason)
}
