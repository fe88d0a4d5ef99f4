package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// KafkaProducer publishes security alerts. Messages are keyed so that all
// alerts for one source land on the same partition.
type KafkaProducer struct {
	Writer *kafka.Writer
	meta   *kafka.Client
	topic  string
	logger *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kc := cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka enabled without brokers")
	}

	transport := &kafka.Transport{DialTimeout: 5 * time.Second}
	if kc.EnableTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	addr := kafka.TCP(kc.Brokers...)

	p := &KafkaProducer{
		Writer: &kafka.Writer{
			Addr:                   addr,
			Balancer:               &kafka.Hash{},
			MaxAttempts:            3,
			BatchSize:              100,
			BatchBytes:             1 << 20,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
			Transport:              transport,
		},
		meta:   &kafka.Client{Addr: addr, Transport: transport, Timeout: 5 * time.Second},
		topic:  kc.AlertTopic,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		_ = p.Writer.Close()
		return nil, fmt.Errorf("failed to connect to Kafka brokers: %w", err)
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", kc.Brokers),
		zap.String("alert_topic", kc.AlertTopic),
		zap.Bool("tls", kc.EnableTLS),
	)
	return p, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		util.Error("failed to close Kafka producer", zap.Error(err))
		return err
	}
	util.Info("Kafka producer closed")
	return nil
}

func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message to %s: %w", topic, err)
	}
	return nil
}

// HealthCheck fetches metadata for the alert topic. A missing topic is an
// error because the writer never creates topics.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	res, err := p.meta.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{p.topic}})
	if err != nil {
		return fmt.Errorf("kafka metadata request failed: %w", err)
	}
	for _, t := range res.Topics {
		if t.Name != p.topic {
			continue
		}
		if t.Error != nil {
			return fmt.Errorf("kafka topic %s: %w", p.topic, t.Error)
		}
		if len(t.Partitions) == 0 {
			return fmt.Errorf("kafka topic %s has no partitions", p.topic)
		}
		return nil
	}
	return fmt.Errorf("kafka topic %s not found", p.topic)
}
