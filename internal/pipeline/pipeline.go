// Package pipeline provides the per-document upsert pipeline for
// xmlsink: one producer extracts records from the document and fans
// sub-rows out to one bounded queue per destination table, while one
// worker per table drains its queue, batches rows, and drives the
// table upserter with retries.
//
// # Concurrency contract
//
// A single producer feeds every table queue; workers run concurrently
// with the producer and each other. Queue capacity bounds memory: a
// full queue blocks the producer until a worker drains it, independent
// of document size. The producer closes every queue on completion or
// failure so workers always terminate, and all workers are joined
// before the document is considered done. Any worker failure after
// retries are exhausted fails the whole document; worker errors are
// aggregated for the caller.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datachute/xmlsink/pkg/config"
	"github.com/datachute/xmlsink/pkg/metrics"
	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// Sink consumes batches of rows for one destination table. Implemented
// by warehouse.TableUpserter.
type Sink interface {
	Table() string
	Execute(ctx context.Context, rows []map[string]string) error
}

// RecordSource is the pull-based stream of extracted records. Next
// returns io.EOF when the document is exhausted. Implemented by
// xmlstream.Extractor.
type RecordSource interface {
	Next() (map[string]string, error)
}

// Options configures a pipeline.
type Options struct {
	// Logger for pipeline and worker diagnostics
	Logger *zap.Logger
	// Metrics receives row and latency observations; nil disables
	Metrics *metrics.Collector
	// Retry drives transient-failure retries; nil uses the default
	Retry *RetryPolicy
	// QueueCapacity bounds each table queue unless the table overrides it
	QueueCapacity int
}

// tableLane is one destination table's queue, worker parameters, and sink.
type tableLane struct {
	table     string
	sink      Sink
	batchSize int
	queue     chan map[string]string
}

// Pipeline fans one document's records out to its destination tables.
// A pipeline instance handles exactly one document; build a fresh one
// per document.
type Pipeline struct {
	mapping    string
	resolution map[string]config.ColumnRef
	lanes      []*tableLane
	retry      *RetryPolicy
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// New builds a pipeline for one mapping. sinks must contain one entry
// per destination table, keyed by table name.
func New(m *config.Mapping, sinks map[string]Sink, opts Options) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	queueCap := opts.QueueCapacity
	if queueCap <= 0 {
		queueCap = 1024
	}

	resolution := m.Resolution()
	if len(resolution) == 0 {
		return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
			"mapping %q has no column resolution; validate it first", m.Name)
	}

	lanes := make([]*tableLane, 0, len(m.Tables))
	for i := range m.Tables {
		t := &m.Tables[i]
		sink, ok := sinks[t.Name]
		if !ok {
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"mapping %q: no sink for table %q", m.Name, t.Name)
		}
		capacity := queueCap
		if t.QueueCapacity > 0 {
			capacity = t.QueueCapacity
		}
		lanes = append(lanes, &tableLane{
			table:     t.Name,
			sink:      sink,
			batchSize: t.BatchSize,
			queue:     make(chan map[string]string, capacity),
		})
	}

	return &Pipeline{
		mapping:    m.Name,
		resolution: resolution,
		lanes:      lanes,
		retry:      retry,
		logger:     logger.With(zap.String("mapping", m.Name)),
		metrics:    opts.Metrics,
	}, nil
}

// Run extracts every record from the source and delivers its sub-rows
// to the table workers. It blocks until the source is exhausted or a
// fatal error occurs, and all workers have terminated. The returned
// error aggregates the producer error and every worker error.
func (p *Pipeline) Run(ctx context.Context, records RecordSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerErrs := make([]error, len(p.lanes))
	var wg sync.WaitGroup
	for i, lane := range p.lanes {
		wg.Add(1)
		go func(i int, lane *tableLane) {
			defer wg.Done()
			if err := p.runWorker(ctx, lane); err != nil {
				if !errors.Is(err, context.Canceled) {
					workerErrs[i] = err
				}
				// Unblock the producer and sibling workers.
				cancel()
			}
		}(i, lane)
	}

	produceErr := p.produce(ctx, records)

	// Close every queue on completion or failure so workers terminate.
	for _, lane := range p.lanes {
		close(lane.queue)
	}
	wg.Wait()

	errs := make([]error, 0, len(workerErrs)+1)
	for _, err := range workerErrs {
		if err != nil {
			errs = append(errs, err)
		}
	}
	// A producer cancelled by a failing worker is not a distinct failure.
	if produceErr != nil && !(errors.Is(produceErr, context.Canceled) && len(errs) > 0) {
		errs = append(errs, produceErr)
	}
	return errors.Join(errs...)
}

// produce pulls records and fans sub-rows out to the table queues,
// blocking on a full queue (backpressure).
func (p *Pipeline) produce(ctx context.Context, records RecordSource) error {
	for {
		record, err := records.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		subRows := p.split(record)
		for _, lane := range p.lanes {
			row, ok := subRows[lane.table]
			if !ok {
				continue
			}
			select {
			case lane.queue <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// split divides one extracted record into one sub-row per destination
// table using the mapping's column resolution.
func (p *Pipeline) split(record map[string]string) map[string]map[string]string {
	subRows := make(map[string]map[string]string, len(p.lanes))
	for key, value := range record {
		ref, ok := p.resolution[key]
		if !ok {
			continue
		}
		row := subRows[ref.Table]
		if row == nil {
			row = make(map[string]string)
			subRows[ref.Table] = row
		}
		row[ref.Column] = value
	}
	return subRows
}

// runWorker drains one table queue, accumulating rows up to the table's
// batch size and flushing through the retry policy. On queue close a
// non-empty remainder is flushed as one final partial batch.
func (p *Pipeline) runWorker(ctx context.Context, lane *tableLane) error {
	logger := p.logger.With(zap.String("table", lane.table))
	logger.Debug("table worker started", zap.Int("batch_size", lane.batchSize))

	batch := make([]map[string]string, 0, lane.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.flushBatch(ctx, lane, batch, logger); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case row, ok := <-lane.queue:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				logger.Debug("table worker finished")
				return nil
			}
			batch = append(batch, row)
			if len(batch) >= lane.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushBatch executes one batch through the retry policy, retrying only
// the closed set of transient error classes.
func (p *Pipeline) flushBatch(ctx context.Context, lane *tableLane, batch []map[string]string, logger *zap.Logger) error {
	start := time.Now()

	err := p.retry.ExecuteWithCondition(ctx,
		func() error { return lane.sink.Execute(ctx, batch) },
		xsinkerrors.IsRetryable,
		func(attempt int, err error) {
			logger.Warn("transient batch failure, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if p.metrics != nil {
				p.metrics.Retries(lane.table).Inc()
			}
		})

	if p.metrics != nil {
		p.metrics.BatchDuration(lane.table).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeQuery,
			"table "+lane.table+" batch failed")
	}

	if p.metrics != nil {
		p.metrics.RowsUpserted(lane.table).Add(float64(len(batch)))
	}
	logger.Debug("batch flushed",
		zap.Int("rows", len(batch)),
		zap.Duration("duration", time.Since(start)))
	return nil
}
