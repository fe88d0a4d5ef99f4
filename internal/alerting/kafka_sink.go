// Package alerting holds the audit sinks that ship security events to the
// surrounding infrastructure: Kafka for alerts, Elasticsearch for search
// and ClickHouse for analytics.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/models"
)

// MessageProducer is satisfied by client.KafkaProducer
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// KafkaSink publishes HIGH and CRITICAL events to the alert topic, keyed by
// source IP so one attacker's events stay ordered on a partition
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Accepts(ev models.SecurityEvent) bool {
	return audit.AlertsOnly(ev)
}

func (s *KafkaSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	headers := map[string]string{
		"event_type":     string(ev.Type),
		"threat_level":   ev.ThreatLevel.String(),
		"correlation_id": ev.CorrelationID,
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(ev.SourceIP), value, headers)
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
