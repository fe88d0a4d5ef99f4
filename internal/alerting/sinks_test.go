package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/models"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type message struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []message
	closed   bool
}

func (p *fakeProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *fakeProducer) Close() error {
	p.closed = true
	return nil
}

func (p *fakeProducer) sent() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.messages...)
}

type fakeIndexer struct {
	mu   sync.Mutex
	docs map[string]string
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[index+"/"+id] = id
	return nil
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][][]interface{}
	fail    bool
	closed  bool
}

func (f *fakeInserter) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("clickhouse unavailable")
	}
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeInserter) Close() error {
	f.closed = true
	return nil
}

func testEvent(level models.ThreatLevel) models.SecurityEvent {
	return models.SecurityEvent{
		ID:            "ev-1",
		CorrelationID: "corr-1",
		Type:          models.EventBruteForce,
		ThreatLevel:   level,
		SourceIP:      "1.2.3.4",
		Timestamp:     epoch,
		Details:       map[string]interface{}{"attempts": 3},
	}
}

func TestKafkaSinkPublishesAlerts(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewKafkaSink(producer, "security-alerts")

	assert.False(t, sink.Accepts(testEvent(models.ThreatMedium)))
	assert.True(t, sink.Accepts(testEvent(models.ThreatHigh)))

	require.NoError(t, sink.Write(context.Background(), testEvent(models.ThreatCritical)))
	msgs := producer.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "security-alerts", msgs[0].topic)
	assert.Equal(t, []byte("1.2.3.4"), msgs[0].key)
	assert.Equal(t, "CRITICAL", msgs[0].headers["threat_level"])

	var decoded models.SecurityEvent
	require.NoError(t, json.Unmarshal(msgs[0].value, &decoded))
	assert.Equal(t, models.ThreatCritical, decoded.ThreatLevel)
	assert.Equal(t, "ev-1", decoded.ID)

	require.NoError(t, sink.Close())
	assert.True(t, producer.closed)
}

func TestElasticsearchSinkUsesDailyIndex(t *testing.T) {
	indexer := &fakeIndexer{docs: make(map[string]string)}
	sink := NewElasticsearchSink(indexer, "security-events")

	ev := testEvent(models.ThreatLow)
	assert.True(t, sink.Accepts(ev))
	require.NoError(t, sink.Write(context.Background(), ev))
	assert.Contains(t, indexer.docs, "security-events-2025-03-01/ev-1")
}

func TestClickHouseSinkBatches(t *testing.T) {
	inserter := &fakeInserter{}
	sink := NewClickHouseSink(inserter, "security_events", 3, 0, bucketing.NewBucketingManager(16), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, sink.Write(ctx, testEvent(models.ThreatLow)))
	require.NoError(t, sink.Write(ctx, testEvent(models.ThreatLow)))
	assert.Empty(t, inserter.batches)
	assert.Equal(t, 2, sink.Pending())

	require.NoError(t, sink.Write(ctx, testEvent(models.ThreatHigh)))
	require.Len(t, inserter.batches, 1)
	assert.Len(t, inserter.batches[0], 3)
	assert.Equal(t, 0, sink.Pending())

	row := inserter.batches[0][2]
	assert.Equal(t, "HIGH", row[3])
	assert.Equal(t, "2025-03-01", row[9])
	assert.JSONEq(t, `{"attempts":3}`, row[12].(string))

	require.NoError(t, sink.Write(ctx, testEvent(models.ThreatLow)))
	require.NoError(t, sink.Close())
	require.Len(t, inserter.batches, 2)
	assert.True(t, inserter.closed)
}

func TestClickHouseSinkKeepsRowsOnFailure(t *testing.T) {
	inserter := &fakeInserter{fail: true}
	sink := NewClickHouseSink(inserter, "security_events", 10, 0, bucketing.NewBucketingManager(16), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, sink.Write(ctx, testEvent(models.ThreatLow)))
	assert.Error(t, sink.Flush(ctx))
	assert.Equal(t, 1, sink.Pending())

	inserter.fail = false
	require.NoError(t, sink.Flush(ctx))
	assert.Equal(t, 0, sink.Pending())
	require.Len(t, inserter.batches, 1)
}

func TestDispatcherRoutesThroughSinks(t *testing.T) {
	producer := &fakeProducer{}
	indexer := &fakeIndexer{docs: make(map[string]string)}
	dispatcher := audit.NewDispatcher(16, zap.NewNop(),
		NewKafkaSink(producer, "alerts"),
		NewElasticsearchSink(indexer, "events"),
	)
	dispatcher.Start()

	log := audit.NewLog(100, clock.NewFake(epoch), zap.NewNop(), dispatcher)
	log.Log(models.EventLoginFailure, models.ThreatMedium, "1.2.3.4", "ua", nil)
	log.Log(models.EventBruteForce, models.ThreatCritical, "1.2.3.4", "ua", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Close(ctx))

	assert.Len(t, producer.sent(), 1, "only the critical event is an alert")
	assert.Len(t, indexer.docs, 2)
	assert.True(t, producer.closed)
}
