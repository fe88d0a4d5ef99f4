package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/models"
)

// BatchInserter is satisfied by client.ClickHouseClient
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
	Close() error
}

// ClickHouseSink buffers events and inserts them in batches, either when
// the buffer is full or on the flush interval
type ClickHouseSink struct {
	inserter  BatchInserter
	buckets   *bucketing.BucketingManager
	logger    *zap.Logger
	query     string
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending [][]interface{}

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
}

func NewClickHouseSink(inserter BatchInserter, table string, batchSize int, interval time.Duration, buckets *bucketing.BucketingManager, logger *zap.Logger) *ClickHouseSink {
	if batchSize < 1 {
		batchSize = 1
	}
	return &ClickHouseSink{
		inserter:  inserter,
		buckets:   buckets,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
		query: fmt.Sprintf(`INSERT INTO %s (
			event_id, correlation_id, event_type, threat_level, source_ip,
			user_agent, user_id, ip_bucket, time_bucket, date_bucket,
			timestamp, blocked, details
		)`, table),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Accepts(models.SecurityEvent) bool { return true }

// Start launches the periodic flusher
func (s *ClickHouseSink) Start() {
	if s.interval <= 0 {
		return
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.loop()
	})
}

func (s *ClickHouseSink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("ClickHouse flush failed", zap.Error(err))
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *ClickHouseSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	row, err := s.row(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending = append(s.pending, row)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *ClickHouseSink) row(ev models.SecurityEvent) ([]interface{}, error) {
	details := "{}"
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event details: %w", err)
		}
		details = string(b)
	}
	assignment := s.buckets.Assign(ev.SourceIP, ev.Timestamp)
	return []interface{}{
		ev.ID, ev.CorrelationID, string(ev.Type), ev.ThreatLevel.String(), ev.SourceIP,
		ev.UserAgent, ev.UserID, uint32(assignment.Bucket), assignment.TimeBucket, assignment.DateBucket,
		ev.Timestamp, ev.Blocked, details,
	}, nil
}

// Flush inserts everything buffered. Rows of a failed batch are put back
// unless the buffer already holds a full batch of newer rows.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := s.inserter.BatchInsert(ctx, s.query, rows); err != nil {
		s.mu.Lock()
		if len(s.pending) < s.batchSize {
			s.pending = append(rows, s.pending...)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to insert %d events: %w", len(rows), err)
	}
	s.logger.Debug("ClickHouse batch inserted", zap.Int("rows", len(rows)))
	return nil
}

// Pending returns the number of buffered rows
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the flusher, flushes what is left and closes the connection
func (s *ClickHouseSink) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ferr := s.Flush(ctx); ferr != nil {
			s.logger.Error("Final ClickHouse flush failed", zap.Error(ferr))
			err = ferr
		}
		if cerr := s.inserter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
