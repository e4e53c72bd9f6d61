package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"throttle-service/internal/metrics"
	"throttle-service/internal/util"
)

// maxPendingBatches bounds the buffer while ClickHouse is unreachable; older rows are dropped first.
const maxPendingBatches = 10

type batchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// ClickHousePublisher buffers events and writes them in batches.
type ClickHousePublisher struct {
	client    batchInserter
	table     string
	batchSize int

	mu         sync.Mutex
	pending    [][]interface{}
	maxPending int
	// unflushed counts publishes since the last flush attempt.
	unflushed int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClickHousePublisher(client batchInserter, table string, batchSize int) *ClickHousePublisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ClickHousePublisher{
		client:     client,
		table:      table,
		batchSize:  batchSize,
		maxPending: batchSize * maxPendingBatches,
		stop:       make(chan struct{}),
	}
}

// EnsureTable creates the events table when missing.
func (p *ClickHousePublisher) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        id UUID,
        type LowCardinality(String),
        identity String,
        scope LowCardinality(String),
        level Int32,
        attempts Int32,
        retry_after_seconds Int64,
        occurred_at DateTime64(3, 'UTC')
    ) ENGINE = MergeTree
    PARTITION BY toYYYYMM(occurred_at)
    ORDER BY (scope, occurred_at)`, p.table)
	if err := p.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create clickhouse events table: %w", err)
	}
	return nil
}

func (p *ClickHousePublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	p.pending = append(p.pending, []interface{}{
		event.ID, string(event.Type), event.Identity, event.Scope,
		int32(event.Level), int32(event.Attempts), event.RetryAfterSeconds, event.OccurredAt,
	})
	dropped := p.trimLocked()
	p.unflushed++
	full := p.unflushed >= p.batchSize
	if full {
		p.unflushed = 0
	}
	p.mu.Unlock()

	countDropped(dropped)
	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered events. On failure the batch is kept for the next flush,
// within the buffer bound.
func (p *ClickHousePublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.unflushed = 0
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, type, identity, scope, level, attempts, retry_after_seconds, occurred_at)`, p.table)
	if err := p.client.BatchInsert(ctx, query, batch); err != nil {
		p.mu.Lock()
		p.pending = append(batch, p.pending...)
		dropped := p.trimLocked()
		p.mu.Unlock()
		countDropped(dropped)
		return fmt.Errorf("failed to insert throttle events into clickhouse: %w", err)
	}
	return nil
}

// trimLocked drops the oldest rows beyond maxPending and returns how many were dropped.
func (p *ClickHousePublisher) trimLocked() int {
	over := len(p.pending) - p.maxPending
	if over <= 0 {
		return 0
	}
	kept := make([][]interface{}, p.maxPending)
	copy(kept, p.pending[over:])
	p.pending = kept
	return over
}

func countDropped(n int) {
	if n > 0 {
		metrics.EventsDropped.Add(float64(n))
		util.Warn("Dropped buffered clickhouse events", util.Int("dropped", n))
	}
}

// Pending reports the number of buffered events.
func (p *ClickHousePublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// StartFlusher flushes on a fixed interval until Close.
func (p *ClickHousePublisher) StartFlusher(every time.Duration) {
	if every <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := p.Flush(ctx); err != nil {
					util.Warn("Periodic clickhouse flush failed", util.ErrorField(err))
				}
				cancel()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *ClickHousePublisher) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Flush(ctx)
}
