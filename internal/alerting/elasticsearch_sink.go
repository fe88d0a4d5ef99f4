package alerting

import (
	"context"

	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/models"
)

// DocumentIndexer is satisfied by client.ESClient
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink archives every event into a daily index
type ElasticsearchSink struct {
	indexer DocumentIndexer
	prefix  string
}

func NewElasticsearchSink(indexer DocumentIndexer, indexPrefix string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, prefix: indexPrefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Accepts(models.SecurityEvent) bool { return true }

func (s *ElasticsearchSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.IndexFor(ev), ev.ID, ev)
}

// IndexFor returns the daily index an event belongs to
func (s *ElasticsearchSink) IndexFor(ev models.SecurityEvent) string {
	return s.prefix + "-" + bucketing.DateBucket(ev.Timestamp)
}

func (s *ElasticsearchSink) Close() error { return nil }
