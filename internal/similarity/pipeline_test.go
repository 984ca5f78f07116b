package similarity

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
	"github.com/JakeFAU/flowlens/internal/screenshot"
)

const (
	publisherURL = "https://pub.example/story"
	landingURL   = "https://land.example/offer"
	serpBase     = "https://serp.example/search?q=x&tpid="
)

type fakeFetcher struct {
	mu       sync.Mutex
	outcomes map[string]flow.Outcome
	calls    map[string]int
}

func newFakeFetcher(outcomes map[string]flow.Outcome) *fakeFetcher {
	return &fakeFetcher{outcomes: outcomes, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(_ context.Context, req flow.FetchRequest) flow.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if out, ok := f.outcomes[req.URL]; ok {
		return out
	}
	return flow.Transient(req.URL, 0, "dns: no such host")
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(pageURL string, html []byte) string {
	if len(html) == 0 {
		return ""
	}
	return "text of " + pageURL
}

type fakeScorer struct {
	calls atomic.Int32
	fail  map[flow.PairKind]error
}

func (s *fakeScorer) Score(_ context.Context, kind flow.PairKind, _, _ string) (flow.Score, error) {
	s.calls.Add(1)
	if err := s.fail[kind]; err != nil {
		return flow.Score{}, err
	}
	return flow.Score{Final: 0.5, Band: "moderate"}, nil
}

type fakeOCR struct {
	calls atomic.Int32
	text  string
}

func (o *fakeOCR) Recognize(_ context.Context, image []byte) (string, error) {
	o.calls.Add(1)
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	return o.text, nil
}

type fakeRenderer struct {
	html    string
	err     error
	shot    []byte
	shotErr error
}

func (r fakeRenderer) RenderHTML(context.Context, string, flow.Device) (string, error) {
	return r.html, r.err
}

func (r fakeRenderer) Capture(context.Context, string, flow.Device, bool) ([]byte, error) {
	if r.shotErr != nil {
		return nil, r.shotErr
	}
	return r.shot, r.err
}

func shotServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake image"))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func flowRecord() flow.Record {
	return flow.Record{
		Keyword:         "used cars",
		AdTitle:         "Used Cars",
		AdDescription:   "Find deals near you",
		PublisherURL:    publisherURL,
		SerpTemplateKey: "tpl1",
		LandingURL:      landingURL,
	}
}

func okOutcomes() map[string]flow.Outcome {
	return map[string]flow.Outcome{
		publisherURL:      flow.Success(publisherURL, 200, []byte("<p>pub</p>")),
		serpBase + "tpl1": flow.Success(serpBase+"tpl1", 200, []byte("<p>serp</p>")),
		landingURL:        flow.Success(landingURL, 200, []byte("<p>landing</p>")),
	}
}

func TestPipelineScoresAllPairs(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{}
	p := NewPipeline(Deps{
		Fetcher:   newFakeFetcher(okOutcomes()),
		Extractor: fakeExtractor{},
		Scorer:    scorer,
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	assert.Equal(t, "used cars", res.Keyword)
	assert.Equal(t, "Used Cars Find deals near you", res.AdText)
	assert.Equal(t, "laptop", res.Device)
	require.Len(t, res.Stages, 3)
	for _, st := range res.Stages {
		assert.True(t, st.Available, st.Stage)
		assert.Equal(t, flow.SourceDirect, st.Source)
	}
	require.Len(t, res.Pairs, 3)
	for kind, ps := range res.Pairs {
		require.NotNil(t, ps.Score, kind)
		assert.Empty(t, ps.Error)
	}
	assert.EqualValues(t, 3, scorer.calls.Load())
}

func TestPipelineForbiddenUsesScreenshotOCR(t *testing.T) {
	t.Parallel()

	server, hits := shotServer(t)
	store := memory.New(nil)
	layer := cache.New(store, time.Hour, nil)
	shots := screenshot.New(screenshot.Config{BaseURL: server.URL}, server.Client(), layer, nil)
	ocr := &fakeOCR{text: "  Read   this \n offer  "}
	outcomes := okOutcomes()
	outcomes[landingURL] = flow.Forbidden(landingURL)
	fetcher := newFakeFetcher(outcomes)
	scorer := &fakeScorer{}

	p := NewPipeline(Deps{
		Fetcher:     fetcher,
		Extractor:   fakeExtractor{},
		Screenshots: shots,
		OCR:         ocr,
		Scorer:      scorer,
		Cache:       layer,
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	landing := res.Stages[flow.StageLanding]
	require.True(t, landing.Available, landing.Reason)
	assert.Equal(t, flow.SourceOCR, landing.Source)
	assert.Equal(t, "Read this offer", landing.Text)
	assert.Equal(t, "forbidden", landing.Outcome)
	assert.NotEmpty(t, landing.Screenshot)
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 1, ocr.calls.Load())
	assert.Positive(t, store.Len())

	fetches := fetcher.total()
	again, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	assert.Equal(t, res.Stages[flow.StageLanding].Text, again.Stages[flow.StageLanding].Text)
	assert.Equal(t, fetches, fetcher.total(), "cached stages skip the network")
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 1, ocr.calls.Load())
	assert.EqualValues(t, 3, scorer.calls.Load(), "cached scores skip the router")
}

func TestPipelineTransientNeverScreenshots(t *testing.T) {
	t.Parallel()

	server, hits := shotServer(t)
	outcomes := okOutcomes()
	outcomes[publisherURL] = flow.Transient(publisherURL, 0, "timeout")

	p := NewPipeline(Deps{
		Fetcher:     newFakeFetcher(outcomes),
		Extractor:   fakeExtractor{},
		Screenshots: screenshot.New(screenshot.Config{BaseURL: server.URL}, server.Client(), nil, nil),
		OCR:         &fakeOCR{text: "never"},
		Scorer:      &fakeScorer{},
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	pub := res.Stages[flow.StagePublisher]
	assert.False(t, pub.Available)
	assert.Equal(t, "timeout", pub.Reason)
	assert.Equal(t, "transient", pub.Outcome)
	assert.Zero(t, hits.Load())
}

func TestPipelineLandingUnavailable(t *testing.T) {
	t.Parallel()

	outcomes := okOutcomes()
	outcomes[landingURL] = flow.Transient(landingURL, 404, "http 404")
	scorer := &fakeScorer{}

	p := NewPipeline(Deps{
		Fetcher:   newFakeFetcher(outcomes),
		Extractor: fakeExtractor{},
		Scorer:    scorer,
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	assert.NotNil(t, res.Pairs[flow.PairKeywordAd].Score)
	assert.Equal(t, "unavailable", res.Pairs[flow.PairAdLanding].Error)
	assert.Equal(t, "unavailable", res.Pairs[flow.PairKeywordLanding].Error)
	assert.Nil(t, res.Pairs[flow.PairAdLanding].Score)
	assert.EqualValues(t, 1, scorer.calls.Load())
}

func TestPipelineScorerErrorStaysOnPair(t *testing.T) {
	t.Parallel()

	scorer := &fakeScorer{fail: map[flow.PairKind]error{
		flow.PairAdLanding: errors.New("router exploded"),
	}}
	p := NewPipeline(Deps{
		Fetcher:   newFakeFetcher(okOutcomes()),
		Extractor: fakeExtractor{},
		Scorer:    scorer,
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	assert.Equal(t, "router exploded", res.Pairs[flow.PairAdLanding].Error)
	assert.NotNil(t, res.Pairs[flow.PairKeywordAd].Score)
	assert.NotNil(t, res.Pairs[flow.PairKeywordLanding].Score)
}

func TestPipelineHeadlessFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		renderer  fakeRenderer
		available bool
		source    flow.TextSource
		text      string
		ocrCalls  int32
	}{
		{name: "rendered", renderer: fakeRenderer{html: "<p>rendered</p>"}, available: true,
			source: flow.SourceHeadless, text: "text of " + landingURL},
		{name: "blocked", renderer: fakeRenderer{err: errors.New("blocked")}},
		{name: "empty render reads local capture", renderer: fakeRenderer{shot: []byte("\x89PNG local")},
			available: true, source: flow.SourceOCR, text: "ocr", ocrCalls: 1},
		{name: "empty render capture fails", renderer: fakeRenderer{shotErr: errors.New("crashed")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, hits := shotServer(t)
			outcomes := okOutcomes()
			outcomes[landingURL] = flow.Forbidden(landingURL)
			ocr := &fakeOCR{text: "ocr"}

			p := NewPipeline(Deps{
				Fetcher:     newFakeFetcher(outcomes),
				Extractor:   fakeExtractor{},
				Renderer:    tt.renderer,
				Screenshots: screenshot.New(screenshot.Config{BaseURL: server.URL}, server.Client(), nil, nil),
				OCR:         ocr,
				Scorer:      &fakeScorer{},
			}, Options{SerpBaseURL: serpBase})

			res, err := p.Score(context.Background(), flowRecord())
			require.NoError(t, err)
			landing := res.Stages[flow.StageLanding]
			assert.Equal(t, tt.available, landing.Available)
			assert.Equal(t, tt.source, landing.Source)
			assert.Equal(t, tt.text, landing.Text)
			assert.Empty(t, landing.Screenshot)
			assert.Equal(t, tt.ocrCalls, ocr.calls.Load())
			assert.Zero(t, hits.Load(), "headless configured means no paid screenshot")
		})
	}
}

func TestPipelineAdTextFallsBackToSerp(t *testing.T) {
	t.Parallel()

	rec := flowRecord()
	rec.AdTitle, rec.AdDescription = "", ""
	p := NewPipeline(Deps{
		Fetcher:   newFakeFetcher(okOutcomes()),
		Extractor: fakeExtractor{},
		Scorer:    &fakeScorer{},
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "text of "+serpBase+"tpl1", res.AdText)
	assert.NotNil(t, res.Pairs[flow.PairKeywordAd].Score)
}

func TestPipelineMissingURL(t *testing.T) {
	t.Parallel()

	rec := flowRecord()
	rec.LandingURL = "nan"
	rec.SerpTemplateKey = ""
	fetcher := newFakeFetcher(okOutcomes())
	p := NewPipeline(Deps{Fetcher: fetcher, Extractor: fakeExtractor{}, Scorer: &fakeScorer{}},
		Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "missing url", res.Stages[flow.StageLanding].Reason)
	assert.Equal(t, "missing url", res.Stages[flow.StageSERP].Reason)
	assert.Equal(t, 1, fetcher.total())
}

func TestPipelineCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(Deps{Fetcher: newFakeFetcher(okOutcomes()), Scorer: &fakeScorer{}},
		Options{SerpBaseURL: serpBase})

	_, err := p.Score(ctx, flowRecord())
	require.ErrorIs(t, err, context.Canceled)
}

func TestPipelineNoOCRSkipsScreenshot(t *testing.T) {
	t.Parallel()

	server, hits := shotServer(t)
	outcomes := okOutcomes()
	outcomes[landingURL] = flow.Forbidden(landingURL)
	p := NewPipeline(Deps{
		Fetcher:     newFakeFetcher(outcomes),
		Extractor:   fakeExtractor{},
		Screenshots: screenshot.New(screenshot.Config{BaseURL: server.URL}, server.Client(), nil, nil),
		Scorer:      &fakeScorer{},
	}, Options{SerpBaseURL: serpBase})

	res, err := p.Score(context.Background(), flowRecord())
	require.NoError(t, err)
	assert.False(t, res.Stages[flow.StageLanding].Available)
	assert.Zero(t, hits.Load())
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(out flow.Outcome, _ string) bool { return out.Kind == flow.OutcomeSuccess }

func TestPipelinePromotesScriptShells(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		renderer fakeRenderer
		source   flow.TextSource
	}{
		{name: "rendered", renderer: fakeRenderer{html: "<p>app</p>"}, source: flow.SourceHeadless},
		{name: "render failure keeps direct text", renderer: fakeRenderer{err: errors.New("crashed")}, source: flow.SourceDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPipeline(Deps{
				Fetcher:   newFakeFetcher(okOutcomes()),
				Extractor: fakeExtractor{},
				Renderer:  tt.renderer,
				Promoter:  promoteAll{},
				Scorer:    &fakeScorer{},
			}, Options{SerpBaseURL: serpBase})

			res, err := p.Score(context.Background(), flowRecord())
			require.NoError(t, err)
			for _, st := range res.Stages {
				assert.True(t, st.Available, st.Stage)
				assert.Equal(t, tt.source, st.Source, st.Stage)
			}
		})
	}
}
