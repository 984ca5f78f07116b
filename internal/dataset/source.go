package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/storage/gcs"
)

// maxSourceBytes bounds a single download.
const maxSourceBytes = 512 << 20

// ObjectOpener opens bucket objects by URI.
type ObjectOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Opener reads raw bytes from http(s) URLs, gs:// objects and local paths.
type Opener struct {
	client    *http.Client
	objects   ObjectOpener
	userAgent string
	maxBytes  int64
}

// OpenerOption customises an Opener.
type OpenerOption func(*Opener)

// WithHTTPClient overrides the client used for http(s) sources.
func WithHTTPClient(c *http.Client) OpenerOption {
	return func(o *Opener) {
		if c != nil {
			o.client = c
		}
	}
}

// WithObjects enables gs:// sources.
func WithObjects(objects ObjectOpener) OpenerOption {
	return func(o *Opener) { o.objects = objects }
}

// WithUserAgent sets the User-Agent for http(s) sources.
func WithUserAgent(ua string) OpenerOption {
	return func(o *Opener) { o.userAgent = ua }
}

// WithMaxBytes caps the size of a single source. Larger sources are rejected.
func WithMaxBytes(n int64) OpenerOption {
	return func(o *Opener) {
		if n > 0 {
			o.maxBytes = n
		}
	}
}

// NewOpener builds an Opener with a 30 second HTTP timeout by default.
func NewOpener(opts ...OpenerOption) *Opener {
	o := &Opener{client: &http.Client{Timeout: 30 * time.Second}, maxBytes: maxSourceBytes}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Read returns the full content of source.
func (o *Opener) Read(ctx context.Context, source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	switch {
	case source == "":
		return nil, fmt.Errorf("empty source: %w", flow.ErrSourceUnavailable)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return o.readHTTP(ctx, source)
	case strings.HasPrefix(source, gcs.Scheme):
		if o.objects == nil {
			return nil, fmt.Errorf("gcs source %s without storage client: %w", source, flow.ErrSourceUnavailable)
		}
		rc, err := o.objects.Open(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", flow.ErrSourceUnavailable, err)
		}
		return o.readAll(rc)
	default:
		f, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", flow.ErrSourceUnavailable, err)
		}
		return o.readAll(f)
	}
}

func (o *Opener) readHTTP(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if o.userAgent != "" {
		req.Header.Set("User-Agent", o.userAgent)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", flow.ErrSourceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d: %w", source, resp.StatusCode, flow.ErrSourceUnavailable)
	}
	return o.readAll(resp.Body)
}

func (o *Opener) readAll(rc io.ReadCloser) ([]byte, error) {
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, o.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(data)) > o.maxBytes {
		return nil, fmt.Errorf("source exceeds %d bytes: %w", o.maxBytes, flow.ErrSourceUnavailable)
	}
	return data, nil
}
