package dataset

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/flowlens/internal/flow"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

// Unpack detects compression by magic bytes and returns the CSV payload.
// HTML error pages served in place of a file are reported as unavailable.
func Unpack(content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty file: %w", flow.ErrSourceUnavailable)
	}
	if looksLikeHTML(content) {
		return nil, fmt.Errorf("source returned an html page: %w", flow.ErrSourceUnavailable)
	}
	switch {
	case bytes.HasPrefix(content, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		out, err := io.ReadAll(io.LimitReader(zr, maxSourceBytes))
		if err != nil {
			return nil, fmt.Errorf("decompress gzip: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(content, zipMagic):
		return firstCSVInZip(content)
	default:
		return content, nil
	}
}

func looksLikeHTML(content []byte) bool {
	head := content[:min(len(content), 1000)]
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(head, utf8BOM))
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype")) ||
		bytes.HasPrefix(lower, []byte("<html")) ||
		bytes.Contains(head, []byte("<title>Google Drive"))
}

func firstCSVInZip(content []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in zip: %w", f.Name, err)
		}
		out, err := (&Opener{maxBytes: maxSourceBytes}).readAll(rc)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("no csv file in zip: %w", flow.ErrSourceUnavailable)
}

// ToUTF8 normalises text to UTF-8. BOMs select UTF-8 or UTF-16. Anything else
// that is not valid UTF-8 is sniffed with chardet, defaulting to Windows-1252.
func ToUTF8(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, utf8BOM):
		return data[len(utf8BOM):], nil
	case bytes.HasPrefix(data, []byte{0xff, 0xfe}), bytes.HasPrefix(data, []byte{0xfe, 0xff}):
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), data)
	case utf8.Valid(data):
		return data, nil
	}
	return decodeWith(detectEncoding(data), data)
}

func detectEncoding(data []byte) encoding.Encoding {
	sample := data[:min(len(data), 64<<10)]
	result, err := chardet.NewTextDetector().DetectBest(sample)
	if err == nil && result != nil {
		if enc, err := htmlindex.Get(result.Charset); err == nil && enc != nil {
			return enc
		}
	}
	return charmap.Windows1252
}

func decodeWith(enc encoding.Encoding, data []byte) ([]byte, error) {
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	return out, nil
}
