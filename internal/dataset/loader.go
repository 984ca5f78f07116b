// Package dataset loads the flow performance table and SERP templates from
// local, HTTP or Cloud Storage sources.
package dataset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/flowlens/internal/clock/system"
	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/metrics"
)

// Reader fetches raw source bytes.
type Reader interface {
	Read(ctx context.Context, source string) ([]byte, error)
}

// Loader decodes datasets and templates read through a Reader.
type Loader struct {
	reader Reader
	logger *zap.Logger
	clock  flow.Clock
}

// NewLoader builds a Loader. Nil logger or clock fall back to no-op and system defaults.
func NewLoader(reader Reader, logger *zap.Logger, clock flow.Clock) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Loader{reader: reader, logger: logger, clock: clock}
}

// LoadDataset reads, unpacks, transcodes and parses a CSV source.
func (l *Loader) LoadDataset(ctx context.Context, source string) (flow.Dataset, error) {
	raw, err := l.reader.Read(ctx, source)
	if err != nil {
		return flow.Dataset{}, fmt.Errorf("load dataset: %w", err)
	}
	payload, err := Unpack(raw)
	if err != nil {
		return flow.Dataset{}, fmt.Errorf("load dataset: %w", err)
	}
	text, err := ToUTF8(payload)
	if err != nil {
		return flow.Dataset{}, fmt.Errorf("load dataset: %w", err)
	}
	parsed, err := ParseRecords(text)
	if err != nil {
		return flow.Dataset{}, fmt.Errorf("load dataset: %w", err)
	}
	for _, rowErr := range parsed.Skipped {
		l.logger.Debug("skipped malformed row", zap.Int("line", rowErr.Line), zap.Int("fields", rowErr.Fields))
	}
	if len(parsed.Records) == 0 {
		return flow.Dataset{}, fmt.Errorf("load dataset: no usable rows: %w", flow.ErrSourceUnavailable)
	}
	metrics.ObserveDataset(len(parsed.Records), len(parsed.Skipped))
	l.logger.Info("dataset loaded",
		zap.String("source", source),
		zap.Int("records", len(parsed.Records)),
		zap.Int("skipped", len(parsed.Skipped)),
	)
	return flow.Dataset{
		Records:  parsed.Records,
		Skipped:  len(parsed.Skipped),
		Source:   source,
		LoadedAt: l.clock.Now(),
	}, nil
}

// LoadTemplates reads and decodes the SERP templates file.
func (l *Loader) LoadTemplates(ctx context.Context, source string) (flow.SerpTemplates, error) {
	raw, err := l.reader.Read(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	templates, err := ParseTemplates(raw)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	l.logger.Info("serp templates loaded", zap.String("source", source), zap.Int("templates", len(templates)))
	return templates, nil
}

// templatesRetry is how long a failed templates load is remembered.
const templatesRetry = time.Minute

// Provider memoizes a Loader's output and reloads after refresh elapses.
// Stale snapshots keep being served while one reload runs; a failed reload
// keeps the previous snapshot.
type Provider struct {
	loader          *Loader
	datasetSource   string
	templatesSource string
	refresh         time.Duration

	group      singleflight.Group
	refreshing atomic.Bool

	mu           sync.Mutex
	dataset      *flow.Dataset
	loadedAt     time.Time
	templates    flow.SerpTemplates
	templatesErr error
	templatesAt  time.Time
}

// NewProvider builds a Provider. A non-positive refresh loads once.
func NewProvider(loader *Loader, datasetSource, templatesSource string, refresh time.Duration) *Provider {
	return &Provider{
		loader:          loader,
		datasetSource:   datasetSource,
		templatesSource: templatesSource,
		refresh:         refresh,
	}
}

// Dataset returns the current dataset, loading it on first use. A stale
// snapshot is returned immediately and replaced in the background.
func (p *Provider) Dataset(ctx context.Context) (flow.Dataset, error) {
	p.mu.Lock()
	current, loadedAt := p.dataset, p.loadedAt
	p.mu.Unlock()

	if current == nil {
		return p.reload(ctx)
	}
	if p.refresh > 0 && p.loader.clock.Now().Sub(loadedAt) >= p.refresh && p.refreshing.CompareAndSwap(false, true) {
		go func() {
			defer p.refreshing.Store(false)
			_, _ = p.reload(context.WithoutCancel(ctx))
		}()
	}
	return *current, nil
}

func (p *Provider) reload(ctx context.Context) (flow.Dataset, error) {
	v, err, _ := p.group.Do("dataset", func() (any, error) {
		ds, err := p.loader.LoadDataset(ctx, p.datasetSource)
		now := p.loader.clock.Now()
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			if p.dataset != nil {
				p.loader.logger.Warn("dataset reload failed, serving previous snapshot", zap.Error(err))
				p.loadedAt = now
				return *p.dataset, nil
			}
			return nil, err
		}
		if p.dataset != nil {
			p.templates, p.templatesErr = nil, nil
		}
		p.dataset = &ds
		p.loadedAt = now
		return ds, nil
	})
	if err != nil {
		return flow.Dataset{}, err
	}
	return v.(flow.Dataset), nil
}

// Templates returns the SERP templates. No configured source yields an empty
// set; a source that cannot be read yields flow.ErrSourceUnavailable.
func (p *Provider) Templates(ctx context.Context) (flow.SerpTemplates, error) {
	if p.templatesSource == "" {
		return flow.SerpTemplates{}, nil
	}
	p.mu.Lock()
	templates, lastErr, at := p.templates, p.templatesErr, p.templatesAt
	p.mu.Unlock()
	if templates != nil {
		return templates, nil
	}
	if lastErr != nil && p.loader.clock.Now().Sub(at) < templatesRetry {
		return nil, lastErr
	}

	v, err, _ := p.group.Do("templates", func() (any, error) {
		loaded, err := p.loader.LoadTemplates(ctx, p.templatesSource)
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.loader.logger.Warn("serp templates unavailable", zap.Error(err))
			p.templatesErr = fmt.Errorf("%w: serp templates: %w", flow.ErrSourceUnavailable, err)
			p.templatesAt = p.loader.clock.Now()
			return nil, p.templatesErr
		}
		p.templates, p.templatesErr = loaded, nil
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(flow.SerpTemplates), nil
}
