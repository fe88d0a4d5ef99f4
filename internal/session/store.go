// Package session holds the active-session table. Sessions are striped by
// user id so the per-user cap is enforced under one shard lock while
// unrelated users never contend.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

const (
	ReasonNotFound    = "session not found"
	ReasonInvalidated = "session invalidated"
	ReasonExpired     = "session expired"
	ReasonIdle        = "idle timeout"
	ReasonRisk        = "risk threshold exceeded"
	ReasonEvicted     = "session limit exceeded"
	ReasonLogout      = "logout"
	ReasonMFAEnrolled = "mfa enrolled"
)

var ErrMissingUser = errors.New("user id is required")

type Validation struct {
	Valid   bool            `json:"valid"`
	Reason  string          `json:"reason,omitempty"`
	Session *models.Session `json:"session,omitempty"`
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	// active session ids per user, oldest first
	active map[string][]string
}

type Store struct {
	cfg     config.SessionConfig
	clock   clock.Clock
	logger  *zap.Logger
	audit   *audit.Log
	buckets *bucketing.BucketingManager
	shards  []*shard
	index   sync.Map // session id -> user id
}

func NewStore(cfg config.SessionConfig, clk clock.Clock, logger *zap.Logger, auditLog *audit.Log, buckets *bucketing.BucketingManager) *Store {
	s := &Store{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		audit:   auditLog,
		buckets: buckets,
		shards:  make([]*shard, buckets.Buckets()),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			sessions: make(map[string]*models.Session),
			active:   make(map[string][]string),
		}
	}
	return s
}

// Fingerprint binds a session to the client that created it
func Fingerprint(userAgent, ip string) string {
	sum := sha256.Sum256([]byte(userAgent + ip))
	return hex.EncodeToString(sum[:])
}

func (s *Store) shardFor(userID string) *shard {
	return s.shards[s.buckets.Bucket(userID)]
}

// Create opens a session. When the user already holds the maximum number
// of sessions, exactly the oldest one is evicted.
func (s *Store) Create(userID, ip, userAgent string, authMethods []string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	now := s.clock.Now()
	sess := &models.Session{
		ID:                uuid.NewString(),
		UserID:            userID,
		CreatedAt:         now,
		LastActivity:      now,
		SourceIP:          ip,
		UserAgent:         userAgent,
		DeviceFingerprint: Fingerprint(userAgent, ip),
		AuthMethods:       append([]string(nil), authMethods...),
		Valid:             true,
	}

	sh := s.shardFor(userID)
	var evicted []models.Session

	sh.mu.Lock()
	for len(sh.active[userID]) >= s.cfg.MaxPerUser {
		oldest := sh.sessions[sh.active[userID][0]]
		s.invalidateLocked(sh, oldest, ReasonEvicted, now)
		evicted = append(evicted, oldest.Snapshot())
	}
	sh.sessions[sess.ID] = sess
	sh.active[userID] = append(sh.active[userID], sess.ID)
	s.index.Store(sess.ID, userID)
	out := sess.Snapshot()
	sh.mu.Unlock()

	for _, ev := range evicted {
		s.audit.Log(models.EventSessionEvicted, models.ThreatMedium, ip, userAgent,
			map[string]interface{}{
				"evicted_session_id": ev.ID,
				"max_sessions":       s.cfg.MaxPerUser,
			},
			audit.WithUserID(userID),
		)
	}

	s.logger.Debug("Session created",
		zap.String("session_id", out.ID),
		zap.String("user_id", userID),
		zap.Int("evicted", len(evicted)),
	)
	return &out, nil
}

// Validate runs the ordered session checks and, when the session survives
// them, records the access
func (s *Store) Validate(sessionID, ip, userAgent string) Validation {
	v, ok := s.index.Load(sessionID)
	if !ok {
		return Validation{Reason: ReasonNotFound}
	}
	userID := v.(string)
	sh := s.shardFor(userID)
	now := s.clock.Now()

	sh.mu.Lock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return Validation{Reason: ReasonNotFound}
	}
	if !sess.Valid {
		sh.mu.Unlock()
		return Validation{Reason: ReasonInvalidated}
	}
	if reason := s.timedOut(sess, now); reason != "" {
		s.invalidateLocked(sh, sess, reason, now)
		sh.mu.Unlock()
		return Validation{Reason: reason}
	}

	delta := 0
	var changes []string
	if ip != sess.SourceIP {
		delta += s.cfg.IPChangeRisk
		changes = append(changes, "ip_change")
	}
	if userAgent != sess.UserAgent {
		delta += s.cfg.UAChangeRisk
		changes = append(changes, "user_agent_change")
	}
	if delta > 0 {
		previousIP := sess.SourceIP
		sess.RiskScore += delta
		sess.SourceIP = ip
		sess.UserAgent = userAgent
		sess.DeviceFingerprint = Fingerprint(userAgent, ip)

		if sess.RiskScore > s.cfg.RiskTrip {
			s.invalidateLocked(sh, sess, ReasonRisk, now)
			score := sess.RiskScore
			sh.mu.Unlock()

			s.audit.Log(models.EventSessionRisk, models.ThreatHigh, ip, userAgent,
				map[string]interface{}{
					"session_id":  sessionID,
					"risk_score":  score,
					"threshold":   s.cfg.RiskTrip,
					"changes":     changes,
					"previous_ip": previousIP,
				},
				audit.WithUserID(userID),
				audit.WithBlocked(true),
			)
			return Validation{Reason: ReasonRisk}
		}
	}

	sess.LastActivity = now
	out := sess.Snapshot()
	sh.mu.Unlock()

	return Validation{Valid: true, Session: &out}
}

func (s *Store) timedOut(sess *models.Session, now time.Time) string {
	if now.Sub(sess.CreatedAt) > s.cfg.AbsoluteTimeout {
		return ReasonExpired
	}
	if now.Sub(sess.LastActivity) > s.cfg.IdleTimeout {
		return ReasonIdle
	}
	return ""
}

// Invalidate marks a session invalid. It reports whether a valid session
// was invalidated.
func (s *Store) Invalidate(sessionID, reason string) bool {
	v, ok := s.index.Load(sessionID)
	if !ok {
		return false
	}
	sh := s.shardFor(v.(string))

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[sessionID]
	if !ok || !sess.Valid {
		return false
	}
	s.invalidateLocked(sh, sess, reason, s.clock.Now())
	return true
}

// InvalidateUser invalidates every active session of a user
func (s *Store) InvalidateUser(userID, reason string) int {
	sh := s.shardFor(userID)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	ids := append([]string(nil), sh.active[userID]...)
	for _, id := range ids {
		s.invalidateLocked(sh, sh.sessions[id], reason, now)
	}
	return len(ids)
}

func (s *Store) invalidateLocked(sh *shard, sess *models.Session, reason string, now time.Time) {
	sess.Valid = false
	at := now
	sess.InvalidatedAt = &at
	sess.InvalidReason = reason

	ids := sh.active[sess.UserID]
	for i, id := range ids {
		if id == sess.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(sh.active, sess.UserID)
	} else {
		sh.active[sess.UserID] = ids
	}

	s.logger.Info("Session invalidated",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("reason", reason),
	)
}

// GC invalidates timed-out sessions and deletes invalidated sessions once
// they are older than the retention window
func (s *Store) GC() (expired, removed int) {
	now := s.clock.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.Valid {
				if reason := s.timedOut(sess, now); reason != "" {
					s.invalidateLocked(sh, sess, reason, now)
					expired++
				}
				continue
			}
			if sess.InvalidatedAt != nil && now.Sub(*sess.InvalidatedAt) > s.cfg.Retention {
				delete(sh.sessions, id)
				s.index.Delete(id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if expired > 0 || removed > 0 {
		s.logger.Info("Session GC completed", zap.Int("expired", expired), zap.Int("removed", removed))
	}
	return expired, removed
}

// Get returns a copy of a session, valid or not
func (s *Store) Get(sessionID string) (*models.Session, bool) {
	v, ok := s.index.Load(sessionID)
	if !ok {
		return nil, false
	}
	sh := s.shardFor(v.(string))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := sess.Snapshot()
	return &out, true
}

// ActiveCount returns the number of valid sessions
func (s *Store) ActiveCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, ids := range sh.active {
			n += len(ids)
		}
		sh.mu.Unlock()
	}
	return n
}

// UserSessions returns the user's valid sessions, oldest first
func (s *Store) UserSessions(userID string) []models.Session {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	out := make([]models.Session, 0, len(sh.active[userID]))
	for _, id := range sh.active[userID] {
		out = append(out, sh.sessions[id].Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
