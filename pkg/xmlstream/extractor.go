package xmlstream

import (
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/datachute/xmlsink/pkg/config"
	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// DefaultMaxContentBytes caps the text accumulated for one element
// occurrence before further appends are truncated.
const DefaultMaxContentBytes = 10 * 1024 * 1024

// ExtractSpec configures one Extractor. It is the per-mapping subset the
// state machine needs: the record root, the rule set, and any enumerated
// value constraints keyed by output key.
type ExtractSpec struct {
	RecordRoot      []string
	Rules           []config.ExtractionRule
	EnumValues      map[string][]string
	MaxContentBytes int
	// ProgressInterval controls periodic processed/skipped log lines;
	// zero disables them.
	ProgressInterval int
}

// accumulator collects text for one open element inside record scope.
type accumulator struct {
	buf       strings.Builder
	truncated bool
}

// Extractor is the record state machine. It tracks the live absolute
// path over an event stream, recognizes entry and exit of the record
// root, and builds one flat output record per occurrence. It is a
// pull-based, finite, single-pass iterator: call Next until io.EOF.
type Extractor struct {
	events *EventReader
	logger *zap.Logger

	root         []string
	attrRules    map[string][]*config.ExtractionRule
	contentRules map[string][]*config.ExtractionRule
	enums        map[string]map[string]struct{}
	maxContent   int
	progressiv   int

	path       []string
	inside     bool
	entryDepth int
	current    map[string]string
	accums     []*accumulator

	processed int64
	skipped   int64
	err       error
}

// NewExtractor validates the spec and builds an extractor over the given
// event stream. Configuration problems (empty root path or rule set,
// duplicate output keys, an attribute rule with no attribute-name
// segment) are rejected here, before any event is read.
func NewExtractor(events *EventReader, spec ExtractSpec, logger *zap.Logger) (*Extractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(spec.RecordRoot) == 0 {
		return nil, xsinkerrors.New(xsinkerrors.ErrorTypeConfig, "record root path is empty")
	}
	if len(spec.Rules) == 0 {
		return nil, xsinkerrors.New(xsinkerrors.ErrorTypeConfig, "extraction rule set is empty")
	}

	attrRules := make(map[string][]*config.ExtractionRule)
	contentRules := make(map[string][]*config.ExtractionRule)
	seen := make(map[string]struct{}, len(spec.Rules))

	for i := range spec.Rules {
		rule := &spec.Rules[i]
		if rule.OutputKey == "" {
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "rule %d has empty output key", i)
		}
		if _, dup := seen[rule.OutputKey]; dup {
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "duplicate output key %q", rule.OutputKey)
		}
		seen[rule.OutputKey] = struct{}{}

		key := joinPath(rule.ElementPath())
		switch rule.Kind {
		case config.RuleKindAttribute:
			if rule.AttributeName() == "" {
				return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
					"attribute rule %q has no attribute-name segment", rule.OutputKey)
			}
			attrRules[key] = append(attrRules[key], rule)
		case config.RuleKindContent:
			contentRules[key] = append(contentRules[key], rule)
		default:
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"rule %q has unknown kind %q", rule.OutputKey, rule.Kind)
		}
	}

	enums := make(map[string]map[string]struct{}, len(spec.EnumValues))
	for key, values := range spec.EnumValues {
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		enums[key] = set
	}

	maxContent := spec.MaxContentBytes
	if maxContent <= 0 {
		maxContent = DefaultMaxContentBytes
	}

	return &Extractor{
		events:       events,
		logger:       logger,
		root:         spec.RecordRoot,
		attrRules:    attrRules,
		contentRules: contentRules,
		enums:        enums,
		maxContent:   maxContent,
		progressiv:   spec.ProgressInterval,
	}, nil
}

// Processed returns the number of records yielded so far.
func (x *Extractor) Processed() int64 { return x.processed }

// Skipped returns the number of records dropped by validation or left
// empty after stripping.
func (x *Extractor) Skipped() int64 { return x.skipped }

// Next returns the next completed record, io.EOF when the document is
// exhausted, or a fatal error. A structural error aborts the whole
// document: no further records are yielded and the error carries the
// path at which parsing stopped.
func (x *Extractor) Next() (map[string]string, error) {
	if x.err != nil {
		return nil, x.err
	}

	for {
		ev, err := x.events.Next()
		if err != nil {
			if err != io.EOF && xsinkerrors.IsType(err, xsinkerrors.ErrorTypeStructural) {
				err = xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeStructural,
					"document aborted at /"+strings.Join(x.path, "/"))
			}
			x.err = err
			return nil, err
		}

		switch ev.Kind {
		case StartElement:
			x.onStart(ev)

		case TextContent:
			x.onText(ev)

		case EndElement:
			if record, done := x.onEnd(ev); done {
				return record, nil
			}

		default:
			x.err = xsinkerrors.Newf(xsinkerrors.ErrorTypeInternal, "unhandled event kind %s", ev.Kind)
			return nil, x.err
		}
	}
}

func (x *Extractor) onStart(ev Event) {
	x.path = append(x.path, ev.Name)

	if !x.inside {
		if !pathEqual(x.path, x.root) {
			return
		}
		x.inside = true
		x.entryDepth = len(x.path)
		x.current = make(map[string]string)
	}

	x.accums = append(x.accums, &accumulator{})

	rel := joinPath(x.path[x.entryDepth:])
	for _, rule := range x.attrRules[rel] {
		if v, ok := ev.Attr[rule.AttributeName()]; ok {
			// Repeated matches at the same path: last write wins.
			x.current[rule.OutputKey] = v
		}
	}
}

func (x *Extractor) onText(ev Event) {
	if !x.inside || len(x.accums) == 0 {
		return
	}
	acc := x.accums[len(x.accums)-1]
	if acc.truncated {
		return
	}
	if acc.buf.Len()+len(ev.Content) > x.maxContent {
		remain := x.maxContent - acc.buf.Len()
		// Never split a multi-byte rune; the truncated value must stay
		// valid UTF-8 all the way into the database.
		for remain > 0 && !utf8.RuneStart(ev.Content[remain]) {
			remain--
		}
		if remain > 0 {
			acc.buf.WriteString(ev.Content[:remain])
		}
		acc.truncated = true
		x.logger.Warn("element content exceeds size cap, truncating further text",
			zap.String("element", ev.Name),
			zap.String("path", "/"+strings.Join(x.path, "/")),
			zap.Int("cap_bytes", x.maxContent))
		return
	}
	acc.buf.WriteString(ev.Content)
}

// onEnd applies content rules for the closing element and completes the
// record when the record root closes. It returns (record, true) when a
// valid record was produced.
func (x *Extractor) onEnd(ev Event) (map[string]string, bool) {
	defer func() {
		// Pop the path regardless of record scope.
		if len(x.path) > 0 {
			x.path = x.path[:len(x.path)-1]
		}
	}()

	if !x.inside {
		return nil, false
	}

	var text string
	if n := len(x.accums); n > 0 {
		text = strings.TrimSpace(x.accums[n-1].buf.String())
		x.accums = x.accums[:n-1]
	}

	rel := joinPath(x.path[x.entryDepth:])
	for _, rule := range x.contentRules[rel] {
		if text != "" {
			x.current[rule.OutputKey] = text
		}
	}

	if len(x.path) != x.entryDepth || !pathEqual(x.path, x.root) {
		return nil, false
	}

	// Record root closed: the record is complete.
	x.inside = false
	record := x.current
	x.current = nil
	x.accums = x.accums[:0]

	if !x.validateRecord(record) {
		x.skipped++
		x.logProgress()
		return nil, false
	}

	for i := range x.attrRules {
		stripExcluded(record, x.attrRules[i])
	}
	for i := range x.contentRules {
		stripExcluded(record, x.contentRules[i])
	}

	if len(record) == 0 {
		x.skipped++
		x.logProgress()
		return nil, false
	}

	x.processed++
	x.logProgress()
	return record, true
}

// validateRecord applies required and enum constraints once per
// completed record, before excluded keys are stripped. A violation drops
// only this record.
func (x *Extractor) validateRecord(record map[string]string) bool {
	check := func(rules []*config.ExtractionRule) bool {
		for _, rule := range rules {
			value, present := record[rule.OutputKey]
			if rule.Required && (!present || strings.TrimSpace(value) == "") {
				x.logger.Debug("record dropped: required value missing",
					zap.String("output_key", rule.OutputKey))
				return false
			}
			if set, constrained := x.enums[rule.OutputKey]; constrained && present {
				if _, ok := set[value]; !ok {
					x.logger.Debug("record dropped: value outside enumerated set",
						zap.String("output_key", rule.OutputKey),
						zap.String("value", value))
					return false
				}
			}
		}
		return true
	}

	for _, rules := range x.attrRules {
		if !check(rules) {
			return false
		}
	}
	for _, rules := range x.contentRules {
		if !check(rules) {
			return false
		}
	}
	return true
}

func (x *Extractor) logProgress() {
	if x.progressiv <= 0 {
		return
	}
	if (x.processed+x.skipped)%int64(x.progressiv) == 0 {
		x.logger.Info("extraction progress",
			zap.Int64("processed", x.processed),
			zap.Int64("skipped", x.skipped))
	}
}

func stripExcluded(record map[string]string, rules []*config.ExtractionRule) {
	for _, rule := range rules {
		if rule.ExcludeFromOutput {
			delete(record, rule.OutputKey)
		}
	}
}

func joinPath(segments []string) string {
	return strings.Join(segments, "/")
}

func pathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
