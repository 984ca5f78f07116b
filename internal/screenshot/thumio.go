// Package screenshot builds thum.io screenshot URLs and downloads the images,
// memoizing each (url, device, full-page) capture.
package screenshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/flowlens/internal/cache"
	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/metrics"
)

// DefaultBaseURL is the thum.io image endpoint.
const DefaultBaseURL = "https://image.thum.io/get/"

const (
	cacheNamespace = "screenshot"
	maxImageBytes  = 20 << 20
)

// Mobile is the profile used when a device has no usable size.
var Mobile = flow.Device{Name: "mobile", Width: 390, Height: 844}

// Config selects the thum.io account mode. RefererDomain takes precedence over APIKey;
// with neither set the free tier is used.
type Config struct {
	BaseURL       string
	APIKey        string
	RefererDomain string
	Timeout       time.Duration

	// MaxBytes rejects larger images; zero means 20 MiB.
	MaxBytes int64
}

// Service implements flow.ScreenshotService.
type Service struct {
	cfg    Config
	client *http.Client
	cache  *cache.Layer
	group  singleflight.Group
	logger *zap.Logger
}

// New builds a Service. layer may be nil to disable memoization.
func New(cfg Config, client *http.Client, layer *cache.Layer, logger *zap.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = maxImageBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, client: client, cache: layer, logger: logger}
}

// URLFor deterministically builds the screenshot URL for target.
func (s *Service) URLFor(target string, device flow.Device, fullPage bool) (string, error) {
	target, err := normalizeTarget(target)
	if err != nil {
		return "", err
	}
	device = normalizeDevice(device)

	switch {
	case s.cfg.RefererDomain != "":
		return s.cfg.BaseURL + target, nil
	case s.cfg.APIKey != "":
		opts := []string{"width/" + strconv.Itoa(device.Width)}
		if fullPage {
			opts = append(opts, "fullpage")
		} else {
			opts = append(opts, "height/"+strconv.Itoa(device.Height))
		}
		opts = append(opts, "auth/"+s.cfg.APIKey)
		return s.cfg.BaseURL + strings.Join(opts, "/") + "/" + target, nil
	default:
		return s.cfg.BaseURL + escapeAll(target), nil
	}
}

// normalizeTarget trims target and adds https:// when no scheme is present.
func normalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if !flow.UsableURL(target) {
		return "", fmt.Errorf("screenshot target is empty")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	return target, nil
}

// Capture downloads the screenshot once per (url, device, fullPage) within the cache TTL.
// Concurrent identical captures share a single download.
func (s *Service) Capture(ctx context.Context, target string, device flow.Device, fullPage bool) (flow.Image, error) {
	target, err := normalizeTarget(target)
	if err != nil {
		return flow.Image{}, err
	}
	device = normalizeDevice(device)
	shotURL, err := s.URLFor(target, device, fullPage)
	if err != nil {
		return flow.Image{}, err
	}
	key := cache.Key(cacheNamespace, target, device.Name,
		strconv.Itoa(device.Width), strconv.Itoa(device.Height), strconv.FormatBool(fullPage))

	v, err, _ := s.group.Do(key, func() (any, error) {
		return cache.Remember(ctx, s.cache, cacheNamespace, key, func(ctx context.Context) (flow.Image, error) {
			return s.download(ctx, shotURL)
		})
	})
	if err != nil {
		return flow.Image{}, err
	}
	return v.(flow.Image), nil
}

func (s *Service) download(ctx context.Context, shotURL string) (flow.Image, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shotURL, nil)
	if err != nil {
		return flow.Image{}, fmt.Errorf("build screenshot request: %w", err)
	}
	if s.cfg.RefererDomain != "" {
		req.Header.Set("Referer", referer(s.cfg.RefererDomain))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveExternalCall("screenshot", "error", time.Since(start))
		return flow.Image{}, fmt.Errorf("screenshot request: %w: %w", flow.ErrExternalAPI, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveExternalCall("screenshot", strconv.Itoa(resp.StatusCode), time.Since(start))
		return flow.Image{}, fmt.Errorf("screenshot status %d: %w", resp.StatusCode, flow.ErrExternalAPI)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		metrics.ObserveExternalCall("screenshot", "not_image", time.Since(start))
		return flow.Image{}, fmt.Errorf("screenshot content type %q: %w", ct, flow.ErrExternalAPI)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		metrics.ObserveExternalCall("screenshot", "error", time.Since(start))
		return flow.Image{}, fmt.Errorf("read screenshot: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		metrics.ObserveExternalCall("screenshot", "too_large", time.Since(start))
		return flow.Image{}, fmt.Errorf("screenshot exceeds %d bytes: %w", s.cfg.MaxBytes, flow.ErrExternalAPI)
	}
	metrics.ObserveExternalCall("screenshot", "ok", time.Since(start))
	s.logger.Info("screenshot captured",
		zap.String("url", redact(shotURL, s.cfg.APIKey)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
	)
	return flow.Image{URL: shotURL, Data: data}, nil
}

func normalizeDevice(d flow.Device) flow.Device {
	if d.Width <= 0 || d.Height <= 0 {
		return Mobile
	}
	if d.Name == "" {
		d.Name = fmt.Sprintf("%dx%d", d.Width, d.Height)
	}
	return d
}

// escapeAll percent-encodes every byte outside the unreserved set, slashes and colons included.
func escapeAll(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func referer(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain + "/"
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "REDACTED")
}
