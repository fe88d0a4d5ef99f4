// Package threat tracks failed authentication attempts, detects brute force
// and keeps time-bounded IP blocks.
package threat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

const mirrorTimeout = 250 * time.Millisecond

// Weights used when correlating events per source IP
var levelWeights = map[models.ThreatLevel]int{
	models.ThreatLow:      0,
	models.ThreatMedium:   10,
	models.ThreatHigh:     25,
	models.ThreatCritical: 50,
}

// Events the gateway emits while enforcing a block. They are consequences
// of a block, not fresh evidence, and never count towards correlation.
var enforcementEvents = map[models.EventType]bool{
	models.EventBruteForce:       true,
	models.EventIPBlocked:        true,
	models.EventBlockedIPAttempt: true,
}

// BlockMirror shares blocks between instances. Local state stays
// authoritative; mirror failures are logged and ignored.
type BlockMirror interface {
	SetBlock(ctx context.Context, block models.BlockedIP) error
	GetBlock(ctx context.Context, ip string) (*models.BlockedIP, error)
}

type Stats struct {
	BlockedIPs  int `json:"blocked_ips"`
	TrackedKeys int `json:"tracked_keys"`
}

type shard struct {
	mu      sync.Mutex
	records map[string]*models.ThreatRecord
}

type Ledger struct {
	cfg     config.ThreatConfig
	clock   clock.Clock
	logger  *zap.Logger
	buckets *bucketing.BucketingManager
	shards  []*shard
	mirror  BlockMirror

	blockMu sync.RWMutex
	blocks  map[string]*models.BlockedIP
	// events at or before the floor no longer count towards correlation
	floors map[string]time.Time
}

// NewLedger builds a ledger. Failure records are striped by source IP over
// buckets; mirror may be nil.
func NewLedger(cfg config.ThreatConfig, clk clock.Clock, logger *zap.Logger, buckets *bucketing.BucketingManager, mirror BlockMirror) *Ledger {
	l := &Ledger{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		buckets: buckets,
		shards:  make([]*shard, buckets.Buckets()),
		mirror:  mirror,
		blocks:  make(map[string]*models.BlockedIP),
		floors:  make(map[string]time.Time),
	}
	for i := range l.shards {
		l.shards[i] = &shard{records: make(map[string]*models.ThreatRecord)}
	}
	return l
}

func recordKey(ip, identifier string) string {
	return ip + "|" + strings.ToLower(strings.TrimSpace(identifier))
}

func (l *Ledger) shardFor(ip string) *shard {
	return l.shards[l.buckets.Bucket(ip)]
}

// RecordFailure appends a failure for (ip, identifier) and returns the
// number of failures inside the sliding window
func (l *Ledger) RecordFailure(ip, identifier string) int {
	now := l.clock.Now()
	s := l.shardFor(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(ip, identifier)
	rec, ok := s.records[key]
	if !ok {
		rec = &models.ThreatRecord{IP: ip, Identifier: strings.ToLower(strings.TrimSpace(identifier))}
		s.records[key] = rec
	}
	rec.Failures = append(rec.Failures, now)
	l.prune(rec, now)
	if limit := l.cfg.MaxTrackedFailures; limit > 0 && len(rec.Failures) > limit {
		rec.Failures = rec.Failures[len(rec.Failures)-limit:]
	}
	return len(rec.Failures)
}

// IsBruteForce reports whether (ip, identifier) reached the failure
// threshold inside the window
func (l *Ledger) IsBruteForce(ip, identifier string) bool {
	return l.Failures(ip, identifier) >= l.cfg.MaxFailures
}

// Failures returns the failure count inside the window
func (l *Ledger) Failures(ip, identifier string) int {
	now := l.clock.Now()
	s := l.shardFor(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey(ip, identifier)]
	if !ok {
		return 0
	}
	l.prune(rec, now)
	return len(rec.Failures)
}

// Reset forgets failures for (ip, identifier), e.g. after a successful login
func (l *Ledger) Reset(ip, identifier string) {
	s := l.shardFor(ip)
	s.mu.Lock()
	delete(s.records, recordKey(ip, identifier))
	s.mu.Unlock()
}

func (l *Ledger) prune(rec *models.ThreatRecord, now time.Time) {
	cutoff := now.Add(-l.cfg.FailureWindow)
	i := 0
	for i < len(rec.Failures) && !rec.Failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rec.Failures = append(rec.Failures[:0], rec.Failures[i:]...)
	}
}

// Block blocks ip for d. An existing longer block is kept. The IP's failure
// history is cleared so a fresh set of failures is needed to block again.
func (l *Ledger) Block(ip string, d time.Duration, reason string) models.BlockedIP {
	now := l.clock.Now()
	block := models.BlockedIP{
		IP:           ip,
		Reason:       reason,
		BlockedAt:    now,
		BlockedUntil: now.Add(d),
	}

	l.blockMu.Lock()
	if existing, ok := l.blocks[ip]; ok && existing.BlockedUntil.After(block.BlockedUntil) {
		block = *existing
	} else {
		l.blocks[ip] = &block
	}
	l.floors[ip] = now
	l.blockMu.Unlock()

	s := l.shardFor(ip)
	s.mu.Lock()
	for key, rec := range s.records {
		if rec.IP == ip {
			delete(s.records, key)
		}
	}
	s.mu.Unlock()

	l.logger.Warn("IP blocked",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Time("blocked_until", block.BlockedUntil),
	)

	if l.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := l.mirror.SetBlock(ctx, block); err != nil {
			l.logger.Warn("Failed to mirror IP block", zap.String("ip", ip), zap.Error(err))
		}
	}
	return block
}

// IsBlocked reports whether ip is blocked and for how much longer
func (l *Ledger) IsBlocked(ip string) (bool, time.Duration) {
	now := l.clock.Now()

	l.blockMu.RLock()
	block, ok := l.blocks[ip]
	var until time.Time
	if ok {
		until = block.BlockedUntil
	}
	l.blockMu.RUnlock()

	if ok && now.Before(until) {
		return true, until.Sub(now)
	}
	if l.mirror == nil {
		return false, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	remote, err := l.mirror.GetBlock(ctx, ip)
	if err != nil {
		l.logger.Warn("Failed to read mirrored IP block", zap.String("ip", ip), zap.Error(err))
		return false, 0
	}
	if remote == nil || !remote.ActiveAt(now) {
		return false, 0
	}

	l.blockMu.Lock()
	if cur, ok := l.blocks[ip]; !ok || cur.BlockedUntil.Before(remote.BlockedUntil) {
		l.blocks[ip] = remote
	}
	l.blockMu.Unlock()
	return true, remote.BlockedUntil.Sub(now)
}

// SweepExpired removes elapsed blocks and failure records with nothing
// left in the window. It returns the number of blocks released.
func (l *Ledger) SweepExpired() int {
	now := l.clock.Now()

	released := 0
	l.blockMu.Lock()
	for ip, block := range l.blocks {
		if !block.ActiveAt(now) {
			delete(l.blocks, ip)
			released++
			l.logger.Info("IP block expired", zap.String("ip", ip))
		}
	}
	for ip, floor := range l.floors {
		if _, blocked := l.blocks[ip]; !blocked && now.Sub(floor) > l.cfg.CorrelationWindow {
			delete(l.floors, ip)
		}
	}
	l.blockMu.Unlock()

	for _, s := range l.shards {
		s.mu.Lock()
		for key, rec := range s.records {
			l.prune(rec, now)
			if len(rec.Failures) == 0 {
				delete(s.records, key)
			}
		}
		s.mu.Unlock()
	}
	return released
}

// Correlate scores recent events per source IP and blocks every IP whose
// aggregate score exceeds the configured threshold. It returns the IPs it
// blocked.
func (l *Ledger) Correlate(events []models.SecurityEvent) []string {
	now := l.clock.Now()
	since := now.Add(-l.cfg.CorrelationWindow)

	l.blockMu.RLock()
	floors := make(map[string]time.Time, len(l.floors))
	for ip, f := range l.floors {
		floors[ip] = f
	}
	l.blockMu.RUnlock()

	scores := make(map[string]int)
	for _, ev := range events {
		if ev.SourceIP == "" || ev.Timestamp.Before(since) || enforcementEvents[ev.Type] {
			continue
		}
		if floor, ok := floors[ev.SourceIP]; ok && !ev.Timestamp.After(floor) {
			continue
		}
		scores[ev.SourceIP] += levelWeights[ev.ThreatLevel]
	}

	var blocked []string
	for ip, score := range scores {
		if score <= l.cfg.CorrelationScore {
			continue
		}
		if active, _ := l.IsBlocked(ip); active {
			continue
		}
		l.Block(ip, l.cfg.LockoutDuration, "correlated threat score")
		l.logger.Warn("Correlated threat score exceeded",
			zap.String("ip", ip),
			zap.Int("score", score),
			zap.Int("threshold", l.cfg.CorrelationScore),
		)
		blocked = append(blocked, ip)
	}
	sort.Strings(blocked)
	return blocked
}

// Blocked returns the currently active blocks
func (l *Ledger) Blocked() []models.BlockedIP {
	now := l.clock.Now()
	l.blockMu.RLock()
	defer l.blockMu.RUnlock()

	out := make([]models.BlockedIP, 0, len(l.blocks))
	for _, b := range l.blocks {
		if b.ActiveAt(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func (l *Ledger) Stats() Stats {
	stats := Stats{BlockedIPs: len(l.Blocked())}
	for _, s := range l.shards {
		s.mu.Lock()
		stats.TrackedKeys += len(s.records)
		s.mu.Unlock()
	}
	return stats
}
