package similarity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/flowlens/internal/cache"
	"github.com/JakeFAU/flowlens/internal/extract"
	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/hash/sha256"
	"github.com/JakeFAU/flowlens/internal/serp"
)

const (
	nsStage = "stage"
	nsOCR   = "ocr"
	nsScore = "score"

	reasonUnavailable = "unavailable"
)

// Laptop is the default capture profile for the OCR fallback.
var Laptop = flow.Device{Name: "laptop", Width: 1440, Height: 900}

// Promoter decides whether a successful direct fetch needs a headless render.
type Promoter interface {
	ShouldPromote(out flow.Outcome, text string) bool
}

// Deps are the collaborators of a Pipeline. Renderer, Promoter, Screenshots and OCR are optional.
type Deps struct {
	Fetcher     flow.PageFetcher
	Extractor   flow.TextExtractor
	Renderer    flow.Renderer
	Promoter    Promoter
	Screenshots flow.ScreenshotService
	OCR         flow.TextRecognizer
	Scorer      flow.Scorer
	Cache       *cache.Layer
	Logger      *zap.Logger
}

// Options tune a Pipeline.
type Options struct {
	SerpBaseURL  string
	Device       flow.Device
	MaxTextRunes int
}

// Pipeline resolves the three stage texts of a flow and scores the pairs between them.
type Pipeline struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

// stageEntry is the cached form of a resolved stage.
type stageEntry struct {
	Text       string          `json:"text"`
	Source     flow.TextSource `json:"source"`
	Outcome    string          `json:"outcome"`
	Screenshot string          `json:"screenshot,omitempty"`
}

// NewPipeline wires a Pipeline.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	if opts.MaxTextRunes <= 0 {
		opts.MaxTextRunes = extract.DefaultMaxRunes
	}
	if opts.Device.Width <= 0 || opts.Device.Height <= 0 {
		opts.Device = Laptop
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(opts.MaxTextRunes)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, opts: opts, log: deps.Logger}
}

// StageURLs returns the URL resolved for each stage of rec.
func (p *Pipeline) StageURLs(rec flow.Record) map[flow.Stage]string {
	return map[flow.Stage]string{
		flow.StagePublisher: rec.PublisherURL,
		flow.StageSERP:      serp.URL(p.opts.SerpBaseURL, rec.SerpTemplateKey),
		flow.StageLanding:   rec.LandingURL,
	}
}

// Score resolves every stage concurrently, then scores the three pairs concurrently.
// Individual failures are reported inside the result; only context cancellation is an error.
func (p *Pipeline) Score(ctx context.Context, rec flow.Record) (flow.SimilarityResult, error) {
	res := flow.SimilarityResult{
		Keyword: strings.TrimSpace(rec.Keyword),
		Device:  p.opts.Device.Name,
		Stages:  make(map[flow.Stage]flow.StageText, 3),
		Pairs:   make(map[flow.PairKind]flow.PairScore, 3),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for stage, url := range p.StageURLs(rec) {
		g.Go(func() error {
			st := p.ResolveStage(gctx, stage, url)
			mu.Lock()
			res.Stages[stage] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("score flow: %w", err)
	}

	res.AdText = rec.AdText()
	if res.AdText == "" {
		if st := res.Stages[flow.StageSERP]; st.Available {
			res.AdText = st.Text
		}
	}
	landing := res.Stages[flow.StageLanding]
	landingText := ""
	if landing.Available {
		landingText = landing.Text
	}

	pairs := []struct {
		kind        flow.PairKind
		left, right string
	}{
		{flow.PairKeywordAd, res.Keyword, res.AdText},
		{flow.PairAdLanding, res.AdText, landingText},
		{flow.PairKeywordLanding, res.Keyword, landingText},
	}
	g, gctx = errgroup.WithContext(ctx)
	for _, pair := range pairs {
		g.Go(func() error {
			ps := p.scorePair(gctx, pair.kind, pair.left, pair.right)
			mu.Lock()
			res.Pairs[pair.kind] = ps
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("score flow: %w", err)
	}
	return res, nil
}

func (p *Pipeline) scorePair(ctx context.Context, kind flow.PairKind, left, right string) flow.PairScore {
	ps := flow.PairScore{Kind: kind}
	if left == "" || right == "" {
		ps.Error = reasonUnavailable
		return ps
	}
	if p.deps.Scorer == nil {
		ps.Error = flow.ErrUnavailable.Error()
		return ps
	}
	key := cache.Key(nsScore, string(kind), left, right)
	score, err := cache.Remember(ctx, p.deps.Cache, nsScore, key, func(ctx context.Context) (flow.Score, error) {
		return p.deps.Scorer.Score(ctx, kind, left, right)
	})
	if err != nil {
		p.log.Warn("pair scoring failed", zap.String("kind", string(kind)), zap.Error(err))
		ps.Error = err.Error()
		return ps
	}
	ps.Score = &score
	return ps
}

// ResolveStage obtains the visible text for one stage URL.
func (p *Pipeline) ResolveStage(ctx context.Context, stage flow.Stage, url string) flow.StageText {
	st := flow.StageText{Stage: stage, URL: strings.TrimSpace(url)}
	if !flow.UsableURL(st.URL) {
		st.Reason = "missing url"
		return st
	}
	key := cache.Key(nsStage, st.URL, p.opts.Device.Name)
	if entry, ok := cache.Lookup[stageEntry](ctx, p.deps.Cache, nsStage, key); ok {
		return p.available(st, entry)
	}

	out := p.deps.Fetcher.Fetch(ctx, flow.FetchRequest{URL: st.URL})
	st.Outcome = out.Kind.String()
	var (
		entry stageEntry
		err   error
	)
	switch out.Kind {
	case flow.OutcomeSuccess:
		entry, err = p.fromHTML(out.URL, out.Body, flow.SourceDirect)
		if p.deps.Renderer != nil && p.deps.Promoter != nil && p.deps.Promoter.ShouldPromote(out, entry.Text) {
			if rendered, rerr := p.render(ctx, st.URL); rerr == nil {
				entry, err = rendered, nil
			} else {
				p.log.Debug("headless promotion failed", zap.String("url", st.URL), zap.Error(rerr))
			}
		}
	case flow.OutcomeForbidden:
		entry, err = p.fallback(ctx, st.URL)
	default:
		reason := out.Reason
		if reason == "" {
			reason = st.Outcome
		}
		err = errors.New(reason)
	}
	entry.Outcome = st.Outcome
	if err != nil {
		st.Reason = err.Error()
		st.Screenshot = entry.Screenshot
		p.log.Info("stage unavailable",
			zap.String("stage", string(stage)),
			zap.String("url", st.URL),
			zap.String("outcome", st.Outcome),
			zap.String("reason", st.Reason),
		)
		return st
	}
	cache.Put(ctx, p.deps.Cache, nsStage, key, entry)
	return p.available(st, entry)
}

func (p *Pipeline) available(st flow.StageText, entry stageEntry) flow.StageText {
	st.Available = true
	st.Text = entry.Text
	st.Source = entry.Source
	st.Outcome = entry.Outcome
	st.Screenshot = entry.Screenshot
	return st
}

func (p *Pipeline) fromHTML(pageURL string, html []byte, source flow.TextSource) (stageEntry, error) {
	text := p.deps.Extractor.Extract(pageURL, html)
	if text == "" {
		return stageEntry{}, errors.New("no visible text")
	}
	return stageEntry{Text: text, Source: source}, nil
}

func (p *Pipeline) render(ctx context.Context, url string) (stageEntry, error) {
	html, err := p.deps.Renderer.RenderHTML(ctx, url, p.opts.Device)
	if err != nil {
		return stageEntry{}, fmt.Errorf("headless render failed: %w", err)
	}
	return p.fromHTML(url, []byte(html), flow.SourceHeadless)
}

// fallback handles a 403. A configured headless renderer is tried instead of the paid
// screenshot service, and its failure leaves the stage unavailable. A render with no
// extractable text is captured locally and read by OCR.
func (p *Pipeline) fallback(ctx context.Context, url string) (stageEntry, error) {
	if p.deps.Renderer != nil {
		return p.headlessFallback(ctx, url)
	}
	if p.deps.Screenshots == nil || p.deps.OCR == nil {
		return stageEntry{}, fmt.Errorf("forbidden; screenshot ocr fallback %w", flow.ErrUnavailable)
	}
	img, err := p.deps.Screenshots.Capture(ctx, url, p.opts.Device, true)
	if err != nil {
		return stageEntry{}, fmt.Errorf("forbidden; screenshot failed: %w", err)
	}
	return p.recognize(ctx, stageEntry{Source: flow.SourceOCR, Screenshot: img.URL}, img.Data)
}

func (p *Pipeline) headlessFallback(ctx context.Context, url string) (stageEntry, error) {
	html, err := p.deps.Renderer.RenderHTML(ctx, url, p.opts.Device)
	if err != nil {
		return stageEntry{}, fmt.Errorf("forbidden; headless render failed: %w", err)
	}
	if entry, err := p.fromHTML(url, []byte(html), flow.SourceHeadless); err == nil {
		return entry, nil
	}
	if p.deps.OCR == nil {
		return stageEntry{}, errors.New("forbidden; headless render found no text")
	}
	shot, err := p.deps.Renderer.Capture(ctx, url, p.opts.Device, true)
	if err != nil {
		return stageEntry{}, fmt.Errorf("forbidden; headless capture failed: %w", err)
	}
	return p.recognize(ctx, stageEntry{Source: flow.SourceOCR}, shot)
}

// recognize OCRs image into entry, memoized by image digest.
func (p *Pipeline) recognize(ctx context.Context, entry stageEntry, image []byte) (stageEntry, error) {
	key := cache.Key(nsOCR, sha256.Hash(image))
	text, err := cache.Remember(ctx, p.deps.Cache, nsOCR, key, func(ctx context.Context) (string, error) {
		return p.deps.OCR.Recognize(ctx, image)
	})
	if err != nil {
		return entry, fmt.Errorf("forbidden; ocr failed: %w", err)
	}
	text = extract.Truncate(extract.Collapse(text), p.opts.MaxTextRunes)
	if text == "" {
		return entry, errors.New("forbidden; ocr found no text")
	}
	entry.Text = text
	return entry, nil
}
