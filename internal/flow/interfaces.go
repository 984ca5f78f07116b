package flow

import (
	"context"
	"time"
)

// Cache is a key-value store with per-entry expiry.
type Cache interface {
	// Get returns the value and true on a live hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// PageFetcher performs a direct fetch and classifies the result.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) Outcome
}

// Renderer drives a local headless browser.
type Renderer interface {
	RenderHTML(ctx context.Context, url string, device Device) (string, error)
	Capture(ctx context.Context, url string, device Device, fullPage bool) ([]byte, error)
}

// Image is a rendered screenshot.
type Image struct {
	URL  string `json:"url"`
	Data []byte `json:"data,omitempty"`
}

// ScreenshotService renders pages through the external screenshot API.
type ScreenshotService interface {
	URLFor(url string, device Device, fullPage bool) (string, error)
	Capture(ctx context.Context, url string, device Device, fullPage bool) (Image, error)
}

// TextRecognizer runs OCR over image bytes.
type TextRecognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Scorer asks the similarity API to judge one pair of texts.
type Scorer interface {
	Score(ctx context.Context, kind PairKind, left, right string) (Score, error)
}

// TextExtractor turns HTML into visible text.
type TextExtractor interface {
	Extract(pageURL string, html []byte) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Device is a named viewport.
type Device struct {
	Name   string `json:"name" mapstructure:"name"`
	Width  int    `json:"width" mapstructure:"width"`
	Height int    `json:"height" mapstructure:"height"`
}
