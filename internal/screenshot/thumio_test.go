package screenshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/flowlens/internal/cache"
	"github.com/JakeFAU/flowlens/internal/cache/memory"
	"github.com/JakeFAU/flowlens/internal/flow"
)

var laptop = flow.Device{Name: "laptop", Width: 1440, Height: 900}

func TestURLForModes(t *testing.T) {
	t.Parallel()

	free := New(Config{}, nil, nil, nil)
	got, err := free.URLFor("example.com/a b?x=1", laptop, true)
	require.NoError(t, err)
	assert.Equal(t, "https://image.thum.io/get/https%3A%2F%2Fexample.com%2Fa%20b%3Fx%3D1", got)

	auth := New(Config{APIKey: "123-abc"}, nil, nil, nil)
	got, err = auth.URLFor("https://example.com/a", laptop, true)
	require.NoError(t, err)
	assert.Equal(t, "https://image.thum.io/get/width/1440/fullpage/auth/123-abc/https://example.com/a", got)

	got, err = auth.URLFor("https://example.com/a", flow.Device{Name: "watch"}, false)
	require.NoError(t, err)
	assert.Equal(t, "https://image.thum.io/get/width/390/height/844/auth/123-abc/https://example.com/a", got)

	ref := New(Config{APIKey: "ignored", RefererDomain: "flows.example"}, nil, nil, nil)
	got, err = ref.URLFor("http://example.com/a", laptop, true)
	require.NoError(t, err)
	assert.Equal(t, "https://image.thum.io/get/http://example.com/a", got)

	_, err = free.URLFor("  ", laptop, true)
	require.Error(t, err)
}

func TestURLForIsDeterministic(t *testing.T) {
	t.Parallel()

	svc := New(Config{APIKey: "k"}, nil, nil, nil)
	a, err := svc.URLFor("https://example.com", laptop, false)
	require.NoError(t, err)
	b, err := svc.URLFor("https://example.com", laptop, false)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func newImageServer(t *testing.T, hits *atomic.Int32, refererSeen *atomic.Value) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if refererSeen != nil {
			refererSeen.Store(r.Referer())
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCaptureCachesByKey(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newImageServer(t, &hits, nil)
	layer := cache.New(memory.New(nil), time.Hour, nil)
	svc := New(Config{BaseURL: server.URL + "/get/"}, server.Client(), layer, nil)
	ctx := context.Background()

	first, err := svc.Capture(ctx, "https://example.com/landing", laptop, true)
	require.NoError(t, err)
	second, err := svc.Capture(ctx, "https://example.com/landing", laptop, true)
	require.NoError(t, err)

	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, []byte("\x89PNG fake"), first.Data)

	_, err = svc.Capture(ctx, "https://example.com/landing", laptop, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "full-page flag is part of the cache key")
}

func TestCaptureSharesConcurrentDownloads(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer server.Close()

	svc := New(Config{BaseURL: server.URL}, server.Client(), nil, nil)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Capture(context.Background(), "https://example.com", laptop, true)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, hits.Load())
}

func TestCaptureSendsRefererAndReportsErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var seen atomic.Value
	server := newImageServer(t, &hits, &seen)
	svc := New(Config{BaseURL: server.URL, RefererDomain: "flows.example"}, server.Client(), nil, nil)

	_, err := svc.Capture(context.Background(), "https://example.com", laptop, true)
	require.NoError(t, err)
	assert.Equal(t, "https://flows.example/", seen.Load())

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer failing.Close()
	svc = New(Config{BaseURL: failing.URL}, failing.Client(), nil, nil)
	_, err = svc.Capture(context.Background(), "https://example.com", laptop, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrExternalAPI))
}

func TestCaptureNormalizesTargetForCacheKey(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newImageServer(t, &hits, nil)
	layer := cache.New(memory.New(nil), time.Hour, nil)
	svc := New(Config{BaseURL: server.URL + "/get/"}, server.Client(), layer, nil)
	ctx := context.Background()

	bare, err := svc.URLFor("example.com/x", laptop, true)
	require.NoError(t, err)
	spaced, err := svc.URLFor(" https://example.com/x", laptop, true)
	require.NoError(t, err)
	require.Equal(t, bare, spaced)

	_, err = svc.Capture(ctx, "example.com/x", laptop, true)
	require.NoError(t, err)
	_, err = svc.Capture(ctx, " https://example.com/x", laptop, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestCaptureRejectsOversizedImage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newImageServer(t, &hits, nil)
	layer := cache.New(memory.New(nil), time.Hour, nil)
	svc := New(Config{BaseURL: server.URL + "/get/", MaxBytes: 4}, server.Client(), layer, nil)

	_, err := svc.Capture(context.Background(), "example.com", laptop, true)
	require.ErrorIs(t, err, flow.ErrExternalAPI)
	_, err = svc.Capture(context.Background(), "example.com", laptop, true)
	require.ErrorIs(t, err, flow.ErrExternalAPI)
	assert.EqualValues(t, 2, hits.Load(), "rejected images are not cached")

	exact := New(Config{BaseURL: server.URL + "/get/", MaxBytes: int64(len("\x89PNG fake"))}, server.Client(), nil, nil)
	img, err := exact.Capture(context.Background(), "example.com", laptop, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG fake"), img.Data)
}
