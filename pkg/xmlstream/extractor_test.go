package xmlstream

import (
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datachute/xmlsink/pkg/config"
	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

func newTestExtractor(t *testing.T, doc string, spec ExtractSpec) *Extractor {
	t.Helper()
	events := NewEventReaderUTF8(strings.NewReader(doc))
	x, err := NewExtractor(events, spec, zaptest.NewLogger(t))
	require.NoError(t, err)
	return x
}

func drain(t *testing.T, x *Extractor) ([]map[string]string, error) {
	t.Helper()
	var records []map[string]string
	for {
		record, err := x.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
}

func contentRule(key string, rel ...string) config.ExtractionRule {
	return config.ExtractionRule{
		RelativePath: rel,
		Kind:         config.RuleKindContent,
		OutputKey:    key,
	}
}

func TestExtractorTwoItems(t *testing.T) {
	x := newTestExtractor(t, `<root><item>Value 1</item><item>Value 2</item></root>`, ExtractSpec{
		RecordRoot: []string{"root", "item"},
		Rules:      []config.ExtractionRule{contentRule("itemContent")},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{
		{"itemContent": "Value 1"},
		{"itemContent": "Value 2"},
	}, records)
	assert.Equal(t, int64(2), x.Processed())
	assert.Equal(t, int64(0), x.Skipped())
}

func TestExtractorRootContentRule(t *testing.T) {
	// A content rule at the empty relative path reads the record-root
	// element's own trimmed text.
	x := newTestExtractor(t, `<r><item>  spaced out  </item></r>`, ExtractSpec{
		RecordRoot: []string{"r", "item"},
		Rules:      []config.ExtractionRule{contentRule("v")},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{"v": "spaced out"}}, records)
}

func TestExtractorNestedContentAndAttributes(t *testing.T) {
	doc := `<feed>
		<entry id="e1"><title>First</title><meta lang="en"/></entry>
		<entry id="e2"><title>Second</title><meta lang="de"/></entry>
	</feed>`

	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"feed", "entry"},
		Rules: []config.ExtractionRule{
			{RelativePath: []string{"id"}, Kind: config.RuleKindAttribute, OutputKey: "id"},
			contentRule("title", "title"),
			{RelativePath: []string{"meta", "lang"}, Kind: config.RuleKindAttribute, OutputKey: "lang"},
		},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{
		{"id": "e1", "title": "First", "lang": "en"},
		{"id": "e2", "title": "Second", "lang": "de"},
	}, records)
}

func TestExtractorLastWriteWinsForRepeatedSiblings(t *testing.T) {
	doc := `<r><item><v>one</v><v>two</v></item></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"r", "item"},
		Rules:      []config.ExtractionRule{contentRule("v", "v")},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{"v": "two"}}, records)
}

func TestExtractorEnumConstraint(t *testing.T) {
	doc := `<r><p><category>Furniture</category></p><p><category>Books</category></p></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"r", "p"},
		Rules:      []config.ExtractionRule{contentRule("category", "category")},
		EnumValues: map[string][]string{"category": {"Electronics", "Books"}},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{"category": "Books"}}, records)
	assert.Equal(t, int64(1), x.Processed())
	assert.Equal(t, int64(1), x.Skipped())
}

func TestExtractorRequiredRuleDropsRecord(t *testing.T) {
	doc := `<r><p><a>x</a></p><p><a>y</a><b>z</b></p></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"r", "p"},
		Rules: []config.ExtractionRule{
			contentRule("a", "a"),
			{RelativePath: []string{"b"}, Kind: config.RuleKindContent, Required: true, OutputKey: "b"},
		},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	// The first record passes every other rule but misses required "b".
	require.Equal(t, []map[string]string{{"a": "y", "b": "z"}}, records)
	assert.Equal(t, int64(1), x.Skipped())
}

func TestExtractorExcludeFromOutput(t *testing.T) {
	doc := `<r><p><keep>k</keep><check>ok</check></p><p><check>ok</check></p></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"r", "p"},
		Rules: []config.ExtractionRule{
			contentRule("keep", "keep"),
			{RelativePath: []string{"check"}, Kind: config.RuleKindContent, Required: true, ExcludeFromOutput: true, OutputKey: "check"},
		},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	// Second record is valid but empty after stripping: counted skipped.
	require.Equal(t, []map[string]string{{"keep": "k"}}, records)
	assert.Equal(t, int64(1), x.Processed())
	assert.Equal(t, int64(1), x.Skipped())
}

func TestExtractorCountConservation(t *testing.T) {
	// yielded + skipped must equal the record-root occurrence count.
	doc := `<r>` + strings.Repeat(`<p><category>Books</category></p><p><category>Nope</category></p>`, 10) + `</r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"r", "p"},
		Rules:      []config.ExtractionRule{contentRule("category", "category")},
		EnumValues: map[string][]string{"category": {"Books"}},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	assert.Equal(t, int64(len(records)), x.Processed())
	assert.Equal(t, int64(20), x.Processed()+x.Skipped())
}

func TestExtractorConfigErrors(t *testing.T) {
	events := NewEventReaderUTF8(strings.NewReader(`<r/>`))
	logger := zaptest.NewLogger(t)

	cases := []struct {
		name string
		spec ExtractSpec
	}{
		{"empty root", ExtractSpec{Rules: []config.ExtractionRule{contentRule("k")}}},
		{"empty rules", ExtractSpec{RecordRoot: []string{"r"}}},
		{"duplicate output keys", ExtractSpec{
			RecordRoot: []string{"r"},
			Rules:      []config.ExtractionRule{contentRule("k", "a"), contentRule("k", "b")},
		}},
		{"attribute rule without segment", ExtractSpec{
			RecordRoot: []string{"r"},
			Rules:      []config.ExtractionRule{{Kind: config.RuleKindAttribute, OutputKey: "k"}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewExtractor(events, tc.spec, logger)
			require.Error(t, err)
			assert.True(t, xsinkerrors.IsType(err, xsinkerrors.ErrorTypeConfig))
		})
	}
}

func TestExtractorStructuralErrorAbortsDocument(t *testing.T) {
	doc := `<root><item>Value 1</item><item>Value 2<item>oops</root>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"root", "item"},
		Rules:      []config.ExtractionRule{contentRule("itemContent")},
	})

	records, err := drain(t, x)
	require.Error(t, err)
	assert.True(t, xsinkerrors.IsType(err, xsinkerrors.ErrorTypeStructural))

	// Records yielded before the error are kept.
	require.Equal(t, []map[string]string{{"itemContent": "Value 1"}}, records)

	// The stream stays dead.
	_, again := x.Next()
	assert.Error(t, again)
}

func TestExtractorContentTruncation(t *testing.T) {
	big := strings.Repeat("x", 64)
	doc := `<r><p><v>` + big + `</v></p></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot:      []string{"r", "p"},
		Rules:           []config.ExtractionRule{contentRule("v", "v")},
		MaxContentBytes: 16,
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, strings.Repeat("x", 16), records[0]["v"])
}

func TestExtractorMixedContentConcatenation(t *testing.T) {
	// Text tokens are trimmed individually, so mixed content loses the
	// whitespace around child elements.
	doc := `<r><p><v>Hello <b/>world</v></p></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot: []string{"r", "p"},
		Rules:      []config.ExtractionRule{contentRule("v", "v")},
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{"v": "Helloworld"}}, records)
}

func TestExtractorTruncationKeepsValidUTF8(t *testing.T) {
	// A cap landing mid-rune must back up to the previous rune boundary,
	// never emit invalid UTF-8.
	doc := `<r><p><v>` + strings.Repeat("é", 10) + `</v></p></r>`
	x := newTestExtractor(t, doc, ExtractSpec{
		RecordRoot:      []string{"r", "p"},
		Rules:           []config.ExtractionRule{contentRule("v", "v")},
		MaxContentBytes: 5,
	})

	records, err := drain(t, x)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, utf8.ValidString(records[0]["v"]))
	assert.Equal(t, "éé", records[0]["v"])
}
