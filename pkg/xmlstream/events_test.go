package xmlstream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

func collectEvents(t *testing.T, doc string) ([]Event, error) {
	t.Helper()
	er := NewEventReaderUTF8(strings.NewReader(doc))

	var events []Event
	for {
		ev, err := er.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestEventReaderBasicSequence(t *testing.T) {
	events, err := collectEvents(t, `<root><a>x</a><b/></root>`)
	require.NoError(t, err)

	want := []struct {
		kind       EventKind
		name       string
		level      int
		localIndex int
	}{
		{StartElement, "root", 0, 0},
		{StartElement, "a", 1, 0},
		{TextContent, "a", 1, 0},
		{EndElement, "a", 1, 0},
		{StartElement, "b", 1, 1},
		{EndElement, "b", 1, 1},
		{EndElement, "root", 0, 0},
	}

	require.Len(t, events, len(want))
	for i, w := range want {
		assert.Equal(t, w.kind, events[i].Kind, "event %d kind", i)
		assert.Equal(t, w.name, events[i].Name, "event %d name", i)
		assert.Equal(t, w.level, events[i].Level, "event %d level", i)
		assert.Equal(t, w.localIndex, events[i].LocalIndex, "event %d local index", i)
		assert.Equal(t, int64(i+1), events[i].GlobalIndex, "event %d global index", i)
	}
}

func TestEventReaderTextTrimmedAndBlankSuppressed(t *testing.T) {
	events, err := collectEvents(t, "<root>\n  <a>  padded  </a>\n</root>")
	require.NoError(t, err)

	var texts []string
	for _, ev := range events {
		if ev.Kind == TextContent {
			texts = append(texts, ev.Content)
		}
	}
	assert.Equal(t, []string{"padded"}, texts)
}

func TestEventReaderNamespacePrefixReduced(t *testing.T) {
	events, err := collectEvents(t, `<ns:root xmlns:ns="urn:x"><ns:item ns:attr="v"/></ns:root>`)
	require.NoError(t, err)

	assert.Equal(t, "root", events[0].Name)
	assert.Equal(t, "item", events[1].Name)
	assert.Equal(t, "v", events[1].Attr["attr"])
}

func TestEventReaderAttributes(t *testing.T) {
	events, err := collectEvents(t, `<root id="1" name="n"/>`)
	require.NoError(t, err)

	require.Equal(t, StartElement, events[0].Kind)
	assert.Equal(t, map[string]string{"id": "1", "name": "n"}, events[0].Attr)
}

func TestEventReaderMismatchedClose(t *testing.T) {
	// The first item is never closed, so </root> closes against it.
	_, err := collectEvents(t, `<root><item>Value 1<item>Value 2</item></root>`)
	require.Error(t, err)
	require.True(t, xsinkerrors.IsType(err, xsinkerrors.ErrorTypeStructural))

	var structural *xsinkerrors.Error
	require.ErrorAs(t, err, &structural)
	assert.Equal(t, "item", structural.Details["expected"])
	assert.Equal(t, "root", structural.Details["actual"])
}

func TestEventReaderUnexpectedClose(t *testing.T) {
	_, err := collectEvents(t, `<a></a></b>`)
	require.Error(t, err)
	require.True(t, xsinkerrors.IsType(err, xsinkerrors.ErrorTypeStructural))
	assert.Contains(t, err.Error(), "unexpected closing tag")
}

func TestEventReaderErrorIsSticky(t *testing.T) {
	er := NewEventReaderUTF8(strings.NewReader(`<a><b></a>`))

	var firstErr error
	for {
		_, err := er.Next()
		if err != nil {
			firstErr = err
			break
		}
	}
	require.Error(t, firstErr)

	_, again := er.Next()
	assert.Equal(t, firstErr, again)
}

func TestEventReaderSiblingIndexPerParent(t *testing.T) {
	doc := `<r><p><c/><c/></p><p><c/></p></r>`
	events, err := collectEvents(t, doc)
	require.NoError(t, err)

	// Collect LocalIndex of every <c> start.
	var cIndexes []int
	var pIndexes []int
	for _, ev := range events {
		if ev.Kind != StartElement {
			continue
		}
		switch ev.Name {
		case "c":
			cIndexes = append(cIndexes, ev.LocalIndex)
		case "p":
			pIndexes = append(pIndexes, ev.LocalIndex)
		}
	}
	assert.Equal(t, []int{0, 1}, pIndexes)
	// The child counter resets for each parent occurrence.
	assert.Equal(t, []int{0, 1, 0}, cIndexes)
}
