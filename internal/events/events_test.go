package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"throttle-service/internal/metrics"
	"throttle-service/internal/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func sampleEvent(identity string) Event {
	rec := &models.ThrottleRecord{Identity: identity, Scope: "login", Level: 2}
	return New(TypePenalized, rec, 10*time.Minute, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestNewEvent(t *testing.T) {
	e := sampleEvent("alice")
	assert.NotEqual(t, [16]byte{}, [16]byte(e.ID))
	assert.Equal(t, TypePenalized, e.Type)
	assert.Equal(t, int64(600), e.RetryAfterSeconds)
	assert.Equal(t, 2, e.Level)
}

func TestDispatcherDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{BufferSize: 16}, sink)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Publish(context.Background(), sampleEvent(id)))
	}
	require.NoError(t, d.Close())

	got := sink.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Identity)
	assert.Equal(t, "c", got[2].Identity)
	assert.True(t, sink.closed)

	// Publishing after close is not an error but is counted as dropped.
	assert.NoError(t, d.Publish(context.Background(), sampleEvent("late")))
	assert.Equal(t, uint64(1), d.Dropped())
	assert.Len(t, sink.snapshot(), 3)
	assert.NoError(t, d.Close())
}

func TestDispatcherAccountsForEveryEventDuringClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		sink := &recordingPublisher{}
		d := NewDispatcher(DispatcherConfig{BufferSize: 4096}, sink)

		const publishers, perPublisher = 8, 50
		start := make(chan struct{})
		var wg sync.WaitGroup
		for p := 0; p < publishers; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < perPublisher; i++ {
					_ = d.Publish(context.Background(), sampleEvent("x"))
				}
			}()
		}

		close(start)
		require.NoError(t, d.Close())
		wg.Wait()

		delivered := uint64(len(sink.snapshot()))
		assert.Equal(t, uint64(publishers*perPublisher), delivered+d.Dropped(), "round %d", round)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingPublisher{block: make(chan struct{})}
	d := NewDispatcher(DispatcherConfig{BufferSize: 1, DropIfFull: true}, sink)

	// One event may be in flight and one buffered; the rest must be dropped.
	var dropped int
	for i := 0; i < 5; i++ {
		if err := d.Publish(context.Background(), sampleEvent("x")); errors.Is(err, ErrDispatcherFull) {
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 3)
	assert.Equal(t, uint64(dropped), d.Dropped())

	close(sink.block)
	require.NoError(t, d.Close())
}

func TestFanoutPublishesToAllSinks(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{err: errors.New("down")}
	f := NewFanout(Sink{Name: "a", Publisher: a}, Sink{Name: "b", Publisher: b})

	err := f.Publish(context.Background(), sampleEvent("alice"))
	assert.EqualError(t, err, "down")
	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)

	require.NoError(t, f.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 2, f.Len())
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.topic, f.key, f.value, f.headers = topic, key, value, headers
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	producer := &fakeProducer{}
	p := NewKafkaPublisher(producer, "throttle-events")

	e := sampleEvent("alice")
	require.NoError(t, p.Publish(context.Background(), e))

	assert.Equal(t, "throttle-events", producer.topic)
	assert.Equal(t, "login:alice", string(producer.key))
	assert.Equal(t, string(TypePenalized), producer.headers["event_type"])

	var decoded Event
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, int64(600), decoded.RetryAfterSeconds)
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][][]interface{}
	execs   []string
	fail    bool
	calls   int
	rows    int
}

func (f *fakeInserter) BatchInsert(_ context.Context, _ string, data [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.rows += len(data)
	if f.fail {
		return errors.New("clickhouse unavailable")
	}
	f.batches = append(f.batches, data)
	return nil
}

func (f *fakeInserter) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func TestClickHousePublisherBatches(t *testing.T) {
	ins := &fakeInserter{}
	p := NewClickHousePublisher(ins, "throttle_events", 2)
	ctx := context.Background()

	require.NoError(t, p.EnsureTable(ctx))
	assert.Contains(t, ins.execs[0], "CREATE TABLE IF NOT EXISTS throttle_events")

	require.NoError(t, p.Publish(ctx, sampleEvent("a")))
	assert.Equal(t, 1, p.Pending())
	assert.Empty(t, ins.batches)

	require.NoError(t, p.Publish(ctx, sampleEvent("b")))
	assert.Equal(t, 0, p.Pending())
	require.Len(t, ins.batches, 1)
	assert.Len(t, ins.batches[0], 2)

	require.NoError(t, p.Publish(ctx, sampleEvent("c")))
	require.NoError(t, p.Close())
	assert.Len(t, ins.batches, 2)
}

func TestClickHousePublisherKeepsBatchOnFailure(t *testing.T) {
	ins := &fakeInserter{fail: true}
	p := NewClickHousePublisher(ins, "throttle_events", 10)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, sampleEvent("a")))
	assert.Error(t, p.Flush(ctx))
	assert.Equal(t, 1, p.Pending())

	ins.fail = false
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 0, p.Pending())
}

func TestClickHousePublisherBoundsBacklogWhileDown(t *testing.T) {
	ins := &fakeInserter{fail: true}
	p := NewClickHousePublisher(ins, "throttle_events", 10)
	ctx := context.Background()
	dropped := testutil.ToFloat64(metrics.EventsDropped)

	for i := 0; i < 1000; i++ {
		_ = p.Publish(ctx, sampleEvent(fmt.Sprintf("e%d", i)))
	}

	assert.Equal(t, 100, p.Pending())
	assert.Equal(t, 100, ins.calls, "one insert attempt per batch of publishes")
	assert.LessOrEqual(t, ins.rows, 100*100)
	assert.Equal(t, dropped+900, testutil.ToFloat64(metrics.EventsDropped))

	p.mu.Lock()
	newest := p.pending[len(p.pending)-1][2]
	oldest := p.pending[0][2]
	p.mu.Unlock()
	assert.Equal(t, "e999", newest)
	assert.Equal(t, "e900", oldest)

	ins.fail = false
	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Pending())
}

type fakeIndexer struct {
	index, id string
	doc       interface{}
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, doc interface{}) error {
	f.index, f.id, f.doc = index, id, doc
	return nil
}

func TestElasticsearchPublisher(t *testing.T) {
	idx := &fakeIndexer{}
	p := NewElasticsearchPublisher(idx, "throttle-events")

	e := sampleEvent("alice")
	require.NoError(t, p.Publish(context.Background(), e))
	assert.Equal(t, "throttle-events", idx.index)
	assert.Equal(t, e.ID.String(), idx.id)
	assert.Equal(t, e, idx.doc)
}

func TestLogAndNopPublishers(t *testing.T) {
	assert.NoError(t, NewLogPublisher(zap.NewNop()).Publish(context.Background(), sampleEvent("a")))
	assert.NoError(t, Nop{}.Publish(context.Background(), sampleEvent("a")))
	assert.NoError(t, Nop{}.Close())
}
