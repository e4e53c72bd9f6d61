package events

import (
	"context"
	"fmt"
)

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchPublisher indexes each event as a document keyed by event id.
type ElasticsearchPublisher struct {
	indexer documentIndexer
	index   string
}

func NewElasticsearchPublisher(indexer documentIndexer, index string) *ElasticsearchPublisher {
	return &ElasticsearchPublisher{indexer: indexer, index: index}
}

func (p *ElasticsearchPublisher) Publish(ctx context.Context, event Event) error {
	if err := p.indexer.IndexDocument(ctx, p.index, event.ID.String(), event); err != nil {
		return fmt.Errorf("failed to index throttle event: %w", err)
	}
	return nil
}

func (p *ElasticsearchPublisher) Close() error { return nil }
