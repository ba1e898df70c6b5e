// Package runner orchestrates one xmlsink run: it walks the document
// feed, matches each document to a mapping, and processes documents
// concurrently over a bounded worker pool, each through its own
// extraction and upsert pipeline. One connection pool and one column
// metadata cache are shared across all documents.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datachute/xmlsink/internal/pipeline"
	"github.com/datachute/xmlsink/pkg/config"
	"github.com/datachute/xmlsink/pkg/feed"
	"github.com/datachute/xmlsink/pkg/metrics"
	"github.com/datachute/xmlsink/pkg/warehouse"
	"github.com/datachute/xmlsink/pkg/xmlstream"
	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// Summary is the user-visible outcome of one run.
type Summary struct {
	Documents        int64
	DocumentsFailed  int64
	RecordsProcessed int64
	RecordsSkipped   int64
}

// Runner executes one run over a document feed.
type Runner struct {
	cfg      *config.Config
	mappings []*config.Mapping
	db       warehouse.DB
	cache    *warehouse.MetadataCache
	metrics  *metrics.Collector
	logger   *zap.Logger
	retry    *pipeline.RetryPolicy

	// sinks are built once per mapping, lazily, and shared by every
	// document the mapping matches.
	sinkMu sync.Mutex
	sinks  map[string]map[string]pipeline.Sink
	broken map[string]error
}

// New builds a runner. Mappings must already be validated.
func New(cfg *config.Config, mappings []*config.Mapping, db warehouse.DB, collector *metrics.Collector, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		mappings: mappings,
		db:       db,
		cache:    warehouse.NewMetadataCache(logger),
		metrics:  collector,
		logger:   logger,
		retry:    pipeline.RetryPolicyFromConfig(cfg.Reliability),
		sinks:    make(map[string]map[string]pipeline.Sink),
		broken:   make(map[string]error),
	}
}

// Run walks the feed and processes every matching document. In
// stop-on-error mode the first document failure aborts the run;
// otherwise failed documents are counted and the run continues. The
// returned error is non-nil when any document failed.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	documents := feed.New(r.cfg.Input.Path, feed.MatchPattern(r.cfg.Input.Pattern), r.logger)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Performance.Workers)

	walkErr := documents.Walk(ctx, func(doc feed.Document) error {
		mapping := r.matchMapping(doc.Name)
		if mapping == nil {
			r.logger.Debug("no mapping matches document, skipping",
				zap.String("document", doc.Name))
			return nil
		}

		group.Go(func() error {
			err := r.processDocument(ctx, doc, mapping, summary)
			if err != nil {
				atomic.AddInt64(&summary.DocumentsFailed, 1)
				if r.metrics != nil {
					r.metrics.DocumentDone(mapping.Name, "failed")
				}
				r.logger.Error("document failed",
					zap.String("document", doc.Name),
					zap.String("mapping", mapping.Name),
					zap.Error(err))
				if r.cfg.Reliability.StopOnError {
					return err
				}
				return nil
			}
			if r.metrics != nil {
				r.metrics.DocumentDone(mapping.Name, "ok")
			}
			return nil
		})
		return nil
	})

	groupErr := group.Wait()

	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		r.logger.Error("document feed failed", zap.Error(walkErr))
	}

	r.logger.Info("run finished",
		zap.Int64("documents", summary.Documents),
		zap.Int64("documents_failed", summary.DocumentsFailed),
		zap.Int64("records_processed", summary.RecordsProcessed),
		zap.Int64("records_skipped", summary.RecordsSkipped))

	switch {
	case groupErr != nil:
		return summary, groupErr
	case walkErr != nil:
		return summary, walkErr
	case summary.DocumentsFailed > 0:
		return summary, xsinkerrors.Newf(xsinkerrors.ErrorTypeData,
			"%d of %d document(s) failed", summary.DocumentsFailed, summary.Documents)
	default:
		return summary, nil
	}
}

// matchMapping returns the first mapping whose pattern matches the
// document name.
func (r *Runner) matchMapping(docName string) *config.Mapping {
	for _, m := range r.mappings {
		if m.Matches(docName) {
			return m
		}
	}
	return nil
}

// mappingSinks builds (once) the table upserters for a mapping. A
// mapping whose tables fail metadata validation is fatal to that
// mapping only: the construction error is remembered and every document
// it matches fails without touching other mappings.
func (r *Runner) mappingSinks(ctx context.Context, m *config.Mapping) (map[string]pipeline.Sink, error) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()

	if err, ok := r.broken[m.Name]; ok {
		return nil, err
	}
	if sinks, ok := r.sinks[m.Name]; ok {
		return sinks, nil
	}

	sinks := make(map[string]pipeline.Sink, len(m.Tables))
	for i := range m.Tables {
		t := &m.Tables[i]
		upserter, err := warehouse.NewTableUpserter(ctx, r.db, r.cache, t.Name, t.Columns, t.KeyColumns, r.logger)
		if err != nil {
			err = xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeConfig,
				"mapping "+m.Name+" rejected")
			r.broken[m.Name] = err
			return nil, err
		}
		sinks[t.Name] = upserter
	}
	r.sinks[m.Name] = sinks
	return sinks, nil
}

// processDocument runs extraction and the upsert pipeline for one
// document.
func (r *Runner) processDocument(ctx context.Context, doc feed.Document, m *config.Mapping, summary *Summary) error {
	atomic.AddInt64(&summary.Documents, 1)
	logger := r.logger.With(
		zap.String("document", doc.Name),
		zap.String("mapping", m.Name))
	logger.Info("processing document")

	sinks, err := r.mappingSinks(ctx, m)
	if err != nil {
		return err
	}

	rc, err := doc.Open()
	if err != nil {
		return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeData, "failed to open document")
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			logger.Warn("failed to close document", zap.Error(cerr))
		}
	}()

	events := xmlstream.NewEventReader(rc, logger)
	extractor, err := xmlstream.NewExtractor(events, xmlstream.ExtractSpec{
		RecordRoot:       m.RecordRoot,
		Rules:            m.Rules,
		EnumValues:       m.EnumValues,
		MaxContentBytes:  r.cfg.Performance.MaxContentBytes,
		ProgressInterval: r.cfg.Performance.ProgressInterval,
	}, logger)
	if err != nil {
		return err
	}

	p, err := pipeline.New(m, sinks, pipeline.Options{
		Logger:        logger,
		Metrics:       r.metrics,
		Retry:         r.retry,
		QueueCapacity: r.cfg.Performance.QueueCapacity,
	})
	if err != nil {
		return err
	}

	runErr := p.Run(ctx, extractor)

	atomic.AddInt64(&summary.RecordsProcessed, extractor.Processed())
	atomic.AddInt64(&summary.RecordsSkipped, extractor.Skipped())
	if r.metrics != nil {
		r.metrics.RecordsProcessed(m.Name).Add(float64(extractor.Processed()))
		r.metrics.RecordsSkipped(m.Name).Add(float64(extractor.Skipped()))
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("document done",
		zap.Int64("records", extractor.Processed()),
		zap.Int64("skipped", extractor.Skipped()))
	return nil
}
