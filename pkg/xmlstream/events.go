package xmlstream

import (
	"encoding/xml"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// EventKind discriminates the closed set of event variants. Extend only
// by deliberately widening this set and every switch over it.
type EventKind uint8

const (
	// StartElement marks an element open tag
	StartElement EventKind = iota + 1
	// TextContent carries non-blank character data
	TextContent
	// EndElement marks an element close tag
	EndElement
)

// String returns the kind name for logs and error messages.
func (k EventKind) String() string {
	switch k {
	case StartElement:
		return "start"
	case TextContent:
		return "text"
	case EndElement:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one token of the document stream. Name is never blank,
// indices are never negative, and TextContent events carry non-blank
// Content. Events are consumed immediately and never persisted.
type Event struct {
	Kind EventKind
	// Name is the element name, reduced past any namespace prefix
	Name string
	// Level is the stack depth when the element was opened
	Level int
	// LocalIndex is the ordinal among immediate siblings
	LocalIndex int
	// GlobalIndex is a monotonic counter over all emitted events
	GlobalIndex int64
	// Attr holds attributes for StartElement events
	Attr map[string]string
	// Content holds trimmed text for TextContent events. Each text
	// token is trimmed independently and blank tokens are dropped, so
	// downstream accumulation concatenates tokens without the
	// whitespace that separated them in mixed content.
	Content string
	// IsCData reports CDATA origin; the tokenizer folds CDATA into
	// character data, so this stays false for streamed documents
	IsCData bool
}

// frame tracks one open element on the reader stack.
type frame struct {
	name       string
	level      int
	localIndex int
	childCount int
}

// EventReader turns one document reader into a lazy, forward-only,
// single-pass sequence of events. It is not restartable and not safe
// for concurrent use.
type EventReader struct {
	dec         *xml.Decoder
	stack       []frame
	rootChilds  int
	globalIndex int64
	err         error
}

// NewEventReader wraps a raw document reader with encoding detection
// and returns the event stream over it.
func NewEventReader(r io.Reader, logger *zap.Logger) *EventReader {
	decoded, _ := NewDecodingReader(r, logger)
	return NewEventReaderUTF8(decoded)
}

// NewEventReaderUTF8 builds an event stream over an already-decoded
// UTF-8 reader.
func NewEventReaderUTF8(r io.Reader) *EventReader {
	dec := xml.NewDecoder(r)
	// The input is already UTF-8; accept any declared label as-is.
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return &EventReader{dec: dec}
}

// Depth returns the number of currently open elements.
func (er *EventReader) Depth() int {
	return len(er.stack)
}

// Path returns a copy of the names of currently open elements, outermost
// first.
func (er *EventReader) Path() []string {
	path := make([]string, len(er.stack))
	for i, f := range er.stack {
		path[i] = f.name
	}
	return path
}

// Next returns the next event or an error. io.EOF marks a cleanly
// exhausted document. Structural errors (close-name mismatch, close
// against an empty stack) are fatal and sticky; any other tokenizer
// error propagates unchanged.
func (er *EventReader) Next() (Event, error) {
	if er.err != nil {
		return Event{}, er.err
	}

	for {
		tok, err := er.dec.RawToken()
		if err != nil {
			if err == io.EOF && len(er.stack) > 0 {
				err = xsinkerrors.Newf(xsinkerrors.ErrorTypeStructural,
					"unexpected end of document with %d open element(s), innermost %q",
					len(er.stack), er.stack[len(er.stack)-1].name).
					WithDetail("open_path", strings.Join(er.Path(), "/"))
			}
			er.err = err
			return Event{}, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			ev := er.pushStart(t)
			return ev, nil

		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" || len(er.stack) == 0 {
				continue
			}
			top := er.stack[len(er.stack)-1]
			er.globalIndex++
			return Event{
				Kind:        TextContent,
				Name:        top.name,
				Level:       top.level,
				LocalIndex:  top.localIndex,
				GlobalIndex: er.globalIndex,
				Content:     text,
			}, nil

		case xml.EndElement:
			ev, err := er.popEnd(t)
			if err != nil {
				er.err = err
				return Event{}, err
			}
			return ev, nil

		default:
			// Processing instructions, comments, and directives carry
			// no record data.
			continue
		}
	}
}

func (er *EventReader) pushStart(t xml.StartElement) Event {
	name := localName(t.Name)

	var localIndex int
	if n := len(er.stack); n > 0 {
		localIndex = er.stack[n-1].childCount
		er.stack[n-1].childCount++
	} else {
		localIndex = er.rootChilds
		er.rootChilds++
	}

	f := frame{
		name:       name,
		level:      len(er.stack),
		localIndex: localIndex,
	}
	er.stack = append(er.stack, f)
	er.globalIndex++

	var attrs map[string]string
	if len(t.Attr) > 0 {
		attrs = make(map[string]string, len(t.Attr))
		for _, a := range t.Attr {
			attrs[localName(a.Name)] = a.Value
		}
	}

	return Event{
		Kind:        StartElement,
		Name:        name,
		Level:       f.level,
		LocalIndex:  f.localIndex,
		GlobalIndex: er.globalIndex,
		Attr:        attrs,
	}
}

func (er *EventReader) popEnd(t xml.EndElement) (Event, error) {
	name := localName(t.Name)

	if len(er.stack) == 0 {
		return Event{}, xsinkerrors.Newf(xsinkerrors.ErrorTypeStructural,
			"unexpected closing tag %q with no open element", name).
			WithDetail("actual", name)
	}

	top := er.stack[len(er.stack)-1]
	if top.name != name {
		return Event{}, xsinkerrors.Newf(xsinkerrors.ErrorTypeStructural,
			"mismatched closing tag: expected %q, got %q", top.name, name).
			WithDetail("expected", top.name).
			WithDetail("actual", name)
	}

	er.stack = er.stack[:len(er.stack)-1]
	er.globalIndex++

	return Event{
		Kind:        EndElement,
		Name:        name,
		Level:       top.level,
		LocalIndex:  top.localIndex,
		GlobalIndex: er.globalIndex,
	}, nil
}

// localName reduces a possibly namespace-prefixed name to the part
// after the last colon. RawToken leaves prefixes in Name.Space, so
// Local already holds the reduced name in the common case.
func localName(n xml.Name) string {
	if i := strings.LastIndex(n.Local, ":"); i >= 0 {
		return n.Local[i+1:]
	}
	return n.Local
}
