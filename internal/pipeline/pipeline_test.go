package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datachute/xmlsink/pkg/config"
	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// sliceSource replays a fixed record list.
type sliceSource struct {
	records []map[string]string
	idx     int
	nexts   atomic.Int64
}

func (s *sliceSource) Next() (map[string]string, error) {
	s.nexts.Add(1)
	if s.idx >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.idx]
	s.idx++
	return r, nil
}

// memSink records executed batches; failures can be scripted per call.
type memSink struct {
	table string

	mu      sync.Mutex
	batches [][]map[string]string
	errs    []error // consumed one per Execute call

	gate chan struct{} // when non-nil, Execute blocks until it closes
}

func (s *memSink) Table() string { return s.table }

func (s *memSink) Execute(ctx context.Context, rows []map[string]string) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]map[string]string, len(rows))
	copy(batch, rows)
	s.batches = append(s.batches, batch)

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *memSink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (s *memSink) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func singleTableMapping(t *testing.T, batchSize int) *config.Mapping {
	t.Helper()
	m := &config.Mapping{
		Name:       "items",
		RecordRoot: []string{"r", "item"},
		Rules: []config.ExtractionRule{
			{RelativePath: []string{"id"}, Kind: config.RuleKindAttribute, OutputKey: "id"},
			{RelativePath: []string{"name"}, Kind: config.RuleKindContent, OutputKey: "name"},
		},
		Tables: []config.TableTarget{
			{Name: "items", Columns: []string{"id", "name"}, KeyColumns: []string{"id"}, BatchSize: batchSize},
		},
	}
	require.NoError(t, m.Validate())
	return m
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Logger: zaptest.NewLogger(t),
		Retry:  fastPolicy(3),
	}
}

func TestPipelineSingleTable(t *testing.T) {
	m := singleTableMapping(t, 10)
	sink := &memSink{table: "items"}
	p, err := New(m, map[string]Sink{"items": sink}, testOptions(t))
	require.NoError(t, err)

	source := &sliceSource{records: []map[string]string{
		{"id": "1", "name": "one"},
		{"id": "2", "name": "two"},
	}}
	require.NoError(t, p.Run(context.Background(), source))

	require.Len(t, sink.batches, 1)
	assert.Equal(t, []map[string]string{
		{"id": "1", "name": "one"},
		{"id": "2", "name": "two"},
	}, sink.batches[0])
}

func TestPipelineBatchBoundaries(t *testing.T) {
	m := singleTableMapping(t, 2)
	sink := &memSink{table: "items"}
	p, err := New(m, map[string]Sink{"items": sink}, testOptions(t))
	require.NoError(t, err)

	records := make([]map[string]string, 5)
	for i := range records {
		records[i] = map[string]string{"id": string(rune('a' + i))}
	}
	require.NoError(t, p.Run(context.Background(), &sliceSource{records: records}))

	// Two full batches and one final partial flush.
	assert.Equal(t, []int{2, 2, 1}, sink.batchSizes())
}

func TestPipelineFansOutToMultipleTables(t *testing.T) {
	m := &config.Mapping{
		Name:       "orders",
		RecordRoot: []string{"orders", "order"},
		Rules: []config.ExtractionRule{
			{RelativePath: []string{"id"}, Kind: config.RuleKindAttribute, OutputKey: "orders.id"},
			{RelativePath: []string{"customer", "email"}, Kind: config.RuleKindContent, OutputKey: "customers.email"},
		},
		Tables: []config.TableTarget{
			{Name: "orders", Columns: []string{"id"}, KeyColumns: []string{"id"}, BatchSize: 10},
			{Name: "customers", Columns: []string{"email"}, KeyColumns: []string{"email"}, BatchSize: 10},
		},
	}
	require.NoError(t, m.Validate())

	orders := &memSink{table: "orders"}
	customers := &memSink{table: "customers"}
	p, err := New(m, map[string]Sink{"orders": orders, "customers": customers}, testOptions(t))
	require.NoError(t, err)

	source := &sliceSource{records: []map[string]string{
		{"orders.id": "o-1", "customers.email": "a@example.com"},
		{"orders.id": "o-2"},
	}}
	require.NoError(t, p.Run(context.Background(), source))

	require.Len(t, orders.batches, 1)
	assert.Equal(t, []map[string]string{{"id": "o-1"}, {"id": "o-2"}}, orders.batches[0])

	// The second record carries nothing for customers.
	require.Len(t, customers.batches, 1)
	assert.Equal(t, []map[string]string{{"email": "a@example.com"}}, customers.batches[0])
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	m := singleTableMapping(t, 10)
	sink := &memSink{
		table: "items",
		errs:  []error{xsinkerrors.New(xsinkerrors.ErrorTypeConnection, "reset")},
	}
	p, err := New(m, map[string]Sink{"items": sink}, testOptions(t))
	require.NoError(t, err)

	source := &sliceSource{records: []map[string]string{{"id": "1"}}}
	require.NoError(t, p.Run(context.Background(), source))

	// First call failed, second succeeded.
	assert.Equal(t, []int{1, 1}, sink.batchSizes())
}

func TestPipelineWorkerFailureFailsRun(t *testing.T) {
	m := singleTableMapping(t, 1)
	sink := &memSink{
		table: "items",
		errs:  []error{xsinkerrors.New(xsinkerrors.ErrorTypeData, "bad value")},
	}
	p, err := New(m, map[string]Sink{"items": sink}, testOptions(t))
	require.NoError(t, err)

	records := make([]map[string]string, 100)
	for i := range records {
		records[i] = map[string]string{"id": "x"}
	}
	err = p.Run(context.Background(), &sliceSource{records: records})
	require.Error(t, err)
	assert.True(t, xsinkerrors.IsType(err, xsinkerrors.ErrorTypeQuery))
}

func TestPipelineStructuralSourceErrorPropagates(t *testing.T) {
	m := singleTableMapping(t, 10)
	sink := &memSink{table: "items"}
	p, err := New(m, map[string]Sink{"items": sink}, testOptions(t))
	require.NoError(t, err)

	structural := xsinkerrors.New(xsinkerrors.ErrorTypeStructural, "mismatched closing tag")
	err = p.Run(context.Background(), &erroringSource{
		records: []map[string]string{{"id": "1"}},
		err:     structural,
	})
	require.ErrorIs(t, err, structural)

	// Rows produced before the structural error still flush.
	assert.Equal(t, 1, sink.rowCount())
}

type erroringSource struct {
	records []map[string]string
	idx     int
	err     error
}

func (s *erroringSource) Next() (map[string]string, error) {
	if s.idx >= len(s.records) {
		return nil, s.err
	}
	r := s.records[s.idx]
	s.idx++
	return r, nil
}

func TestPipelineBackpressure(t *testing.T) {
	const capacity = 2

	m := singleTableMapping(t, 1)
	gate := make(chan struct{})
	sink := &memSink{table: "items", gate: gate}

	opts := testOptions(t)
	opts.QueueCapacity = capacity
	p, err := New(m, map[string]Sink{"items": sink}, opts)
	require.NoError(t, err)

	records := make([]map[string]string, 10)
	for i := range records {
		records[i] = map[string]string{"id": string(rune('a' + i))}
	}
	source := &sliceSource{records: records}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), source) }()

	// With the sink blocked, the worker holds one row and the queue holds
	// capacity more; the producer blocks fetching the next one. Next is
	// called once per delivered row plus once for the blocked send.
	expected := int64(capacity + 2)
	require.Eventually(t, func() bool { return source.nexts.Load() == expected },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, expected, source.nexts.Load())

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 10, sink.rowCount())
}

func TestPipelineRequiresSinkPerTable(t *testing.T) {
	m := singleTableMapping(t, 10)
	_, err := New(m, map[string]Sink{}, testOptions(t))
	require.Error(t, err)
	assert.True(t, xsinkerrors.IsType(err, xsinkerrors.ErrorTypeConfig))
}

func TestPipelineRequiresValidatedMapping(t *testing.T) {
	m := &config.Mapping{Name: "raw"}
	_, err := New(m, map[string]Sink{}, testOptions(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate it first")
}
