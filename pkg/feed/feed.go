// Package feed provides lazy iteration over candidate XML documents for
// xmlsink. A feed yields documents from a single file, a directory walk,
// or compressed archives (zip members, gzip/zstd/lz4 wrapped files),
// filtered by a caller-supplied name predicate. Documents are opened one
// at a time; nothing is decompressed until a document is read.
package feed

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// Predicate filters candidate document names.
type Predicate func(name string) bool

// MatchPattern returns a predicate matching base names against a
// path.Match pattern, e.g. "*.xml".
func MatchPattern(pattern string) Predicate {
	return func(name string) bool {
		ok, err := path.Match(pattern, path.Base(name))
		return err == nil && ok
	}
}

// Document is one candidate document. Open returns a fresh reader over
// the (decompressed) document bytes; the caller owns closing it.
type Document struct {
	// Name is the logical document name, with any compression suffix
	// stripped, used for mapping matches and diagnostics
	Name string

	open func() (io.ReadCloser, error)
}

// Open returns a reader over the document content.
func (d Document) Open() (io.ReadCloser, error) {
	return d.open()
}

// Feed walks one input path and yields matching documents.
type Feed struct {
	root   string
	match  Predicate
	logger *zap.Logger
}

// New creates a feed over a file, directory, or archive path.
func New(root string, match Predicate, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if match == nil {
		match = func(string) bool { return true }
	}
	return &Feed{root: root, match: match, logger: logger}
}

// Walk calls fn for each matching document, in walk order, until the
// input is exhausted, fn returns an error, or ctx is cancelled.
func (f *Feed) Walk(ctx context.Context, fn func(Document) error) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("failed to stat input path %s: %w", f.root, err)
	}

	if !info.IsDir() {
		return f.walkFile(ctx, f.root, fn)
	}

	return filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return f.walkFile(ctx, p, fn)
	})
}

// walkFile yields the documents contained in one on-disk file: the zip
// members for archives, otherwise the file itself (possibly behind a
// compression wrapper).
func (f *Feed) walkFile(ctx context.Context, filePath string, fn func(Document) error) error {
	if strings.EqualFold(filepath.Ext(filePath), ".zip") {
		return f.walkZip(ctx, filePath, fn)
	}

	logical, decompress := logicalName(filepath.Base(filePath))
	if !f.match(logical) {
		return nil
	}

	doc := Document{
		Name: logical,
		open: func() (io.ReadCloser, error) {
			file, err := os.Open(filePath) //nolint:gosec
			if err != nil {
				return nil, err
			}
			rc, err := decompress(file)
			if err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
			}
			return rc, nil
		},
	}
	return fn(doc)
}

func (f *Feed) walkZip(ctx context.Context, zipPath string, fn func(Document) error) error {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}

	// Members carry the same compression suffixes as loose files.
	type zipDoc struct {
		member  string
		logical string
	}
	var docs []zipDoc
	for _, member := range archive.File {
		if member.FileInfo().IsDir() {
			continue
		}
		logical, _ := logicalName(member.Name)
		if f.match(logical) {
			docs = append(docs, zipDoc{member: member.Name, logical: logical})
		}
	}
	if err := archive.Close(); err != nil {
		return err
	}

	f.logger.Debug("scanned archive",
		zap.String("archive", zipPath),
		zap.Int("matching_members", len(docs)))

	for _, d := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		member := d.member
		_, decompress := logicalName(member)
		doc := Document{
			Name: d.logical,
			open: func() (io.ReadCloser, error) {
				rc, err := openZipMember(zipPath, member)
				if err != nil {
					return nil, err
				}
				out, err := decompress(rc)
				if err != nil {
					_ = rc.Close()
					return nil, fmt.Errorf("failed to open %s in %s: %w", member, zipPath, err)
				}
				return out, nil
			},
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// openZipMember reopens the archive and returns a reader over one member
// that closes the archive with it.
func openZipMember(zipPath, member string) (io.ReadCloser, error) {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	for _, file := range archive.File {
		if file.Name != member {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			_ = archive.Close()
			return nil, err
		}
		return &memberReader{ReadCloser: rc, archive: archive}, nil
	}
	_ = archive.Close()
	return nil, fmt.Errorf("member %s no longer present in %s", member, zipPath)
}

type memberReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (m *memberReader) Close() error {
	err := m.ReadCloser.Close()
	if cerr := m.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// decompressor wraps a raw document reader with the decoding for its
// compression suffix.
type decompressor func(rc io.ReadCloser) (io.ReadCloser, error)

// logicalName strips a recognized compression suffix and returns the
// matching decompressor. It applies to loose files and archive members
// alike.
func logicalName(name string) (string, decompressor) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		return strings.TrimSuffix(name, filepath.Ext(name)), func(rc io.ReadCloser) (io.ReadCloser, error) {
			gz, err := gzip.NewReader(rc)
			if err != nil {
				return nil, err
			}
			return &wrappedReader{Reader: gz, closers: []io.Closer{gz, rc}}, nil
		}
	case ".zst":
		return strings.TrimSuffix(name, filepath.Ext(name)), func(rc io.ReadCloser) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(rc)
			if err != nil {
				return nil, err
			}
			return &wrappedReader{Reader: zr, closers: []io.Closer{closerFunc(func() error { zr.Close(); return nil }), rc}}, nil
		}
	case ".lz4":
		return strings.TrimSuffix(name, filepath.Ext(name)), func(rc io.ReadCloser) (io.ReadCloser, error) {
			return &wrappedReader{Reader: lz4.NewReader(rc), closers: []io.Closer{rc}}, nil
		}
	default:
		return name, func(rc io.ReadCloser) (io.ReadCloser, error) {
			return rc, nil
		}
	}
}

type wrappedReader struct {
	io.Reader
	closers []io.Closer
}

func (w *wrappedReader) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
