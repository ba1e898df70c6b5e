// Package xmlstream provides streaming, path-addressed XML record
// extraction for xmlsink. It turns a raw document reader into a
// forward-only event stream with encoding detection, and drives a
// path-based state machine that emits one flat record per occurrence
// of a configured record-root element.
//
// # Components
//
//   - DetectEncoding / NewDecodingReader: BOM and XML-declaration
//     charset sniffing, degrading to UTF-8 on any failure
//   - EventReader: a single-pass, non-restartable token stream with
//     nesting depth, sibling index, and structural error detection
//   - Extractor: the record state machine applying extraction rules
//
// All three operate in one forward pass with bounded memory; documents
// are never loaded whole.
package xmlstream

import (
	"bufio"
	"bytes"
	"io"
	"regexp"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/transform"
)

// EncodingInfo describes the decode charset of one document and the
// byte-order-mark prefix to skip before decoding. Computed once per
// document.
type EncodingInfo struct {
	Charset   string
	BOMLength int
}

// sniffLimit bounds how much of the document prefix is inspected for a
// BOM or XML declaration.
const sniffLimit = 1024

// bomEntry pairs a fixed byte prefix with its charset. Ordered most
// specific first: UTF-32LE starts with the UTF-16LE mark.
type bomEntry struct {
	prefix  []byte
	charset string
}

var bomTable = []bomEntry{
	{[]byte{0x00, 0x00, 0xFE, 0xFF}, "UTF-32BE"},
	{[]byte{0xFF, 0xFE, 0x00, 0x00}, "UTF-32LE"},
	{[]byte{0xEF, 0xBB, 0xBF}, "UTF-8"},
	{[]byte{0xFE, 0xFF}, "UTF-16BE"},
	{[]byte{0xFF, 0xFE}, "UTF-16LE"},
}

var encodingDeclPattern = regexp.MustCompile(`(?i)encoding\s*=\s*["']([A-Za-z][A-Za-z0-9._-]*)["']`)

// DetectEncoding sniffs the first bytes of a document for a byte-order
// mark or an XML declaration and returns the decode charset plus the BOM
// length to skip. It never fails: anything unrecognized degrades to
// UTF-8 with no BOM.
func DetectEncoding(prefix []byte) EncodingInfo {
	for _, entry := range bomTable {
		if bytes.HasPrefix(prefix, entry.prefix) {
			return EncodingInfo{Charset: entry.charset, BOMLength: len(entry.prefix)}
		}
	}

	if len(prefix) > sniffLimit {
		prefix = prefix[:sniffLimit]
	}
	if label := declaredEncoding(prefix); label != "" {
		if _, name := resolveCharset(label); name != "" {
			return EncodingInfo{Charset: name}
		}
	}
	return EncodingInfo{Charset: "UTF-8"}
}

// declaredEncoding extracts the encoding pseudo-attribute from an XML
// declaration, if the prefix contains a complete one.
func declaredEncoding(prefix []byte) string {
	start := bytes.Index(prefix, []byte("<?xml"))
	if start < 0 {
		return ""
	}
	end := bytes.Index(prefix[start:], []byte("?>"))
	if end < 0 {
		return ""
	}
	decl := prefix[start : start+end]
	m := encodingDeclPattern.FindSubmatch(decl)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// resolveCharset maps a charset label to an x/text encoding and its
// canonical name. The fixed BOM charsets are resolved directly; other
// labels go through the WHATWG index.
func resolveCharset(label string) (encoding.Encoding, string) {
	switch label {
	case "UTF-32BE":
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), label
	case "UTF-32LE":
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), label
	case "UTF-16BE":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), label
	case "UTF-16LE":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), label
	case "UTF-8":
		return nil, label
	}

	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, ""
	}
	if name == "utf-8" {
		return nil, name
	}
	return enc, name
}

// NewDecodingReader wraps a raw document reader so that downstream
// consumers always see UTF-8: it sniffs the charset, skips any BOM, and
// installs a decoding transform when needed. Errors while sniffing are
// recoverable and degrade to UTF-8 pass-through.
func NewDecodingReader(r io.Reader, logger *zap.Logger) (io.Reader, EncodingInfo) {
	if logger == nil {
		logger = zap.NewNop()
	}

	br := bufio.NewReaderSize(r, sniffLimit*2)
	prefix, err := br.Peek(sniffLimit)
	if err != nil && err != io.EOF && len(prefix) == 0 {
		logger.Warn("failed to sniff document encoding, assuming UTF-8", zap.Error(err))
		return br, EncodingInfo{Charset: "UTF-8"}
	}

	info := DetectEncoding(prefix)
	if info.BOMLength > 0 {
		if _, err := br.Discard(info.BOMLength); err != nil {
			logger.Warn("failed to skip byte-order mark, assuming UTF-8", zap.Error(err))
			return br, EncodingInfo{Charset: "UTF-8"}
		}
	}

	enc, _ := resolveCharset(info.Charset)
	if enc == nil {
		return br, info
	}
	return transform.NewReader(br, enc.NewDecoder()), info
}
