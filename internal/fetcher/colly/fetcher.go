// Package collyfetcher performs direct page fetches with gocolly and classifies
// the result as success, forbidden or transient.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements flow.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState accumulates what the collector callbacks observe.
type fetchState struct {
	status  int
	body    []byte
	headers http.Header
	url     string
	err     error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c, logger: logger}
}

// Fetch executes a single HTTP GET and classifies it. It never returns an error:
// every failure mode is expressed as a Transient or Forbidden outcome.
func (f *Fetcher) Fetch(ctx context.Context, request flow.FetchRequest) flow.Outcome {
	start := time.Now()
	state := &fetchState{}
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, request, state)

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	var outcome flow.Outcome
	finished, visitErr := f.runCollector(ctx, collector, request.URL)
	if finished {
		outcome = classify(request.URL, state, visitErr)
	} else {
		outcome = flow.Transient(request.URL, 0, reason(visitErr))
	}
	outcome.Duration = time.Since(start)
	metrics.ObserveFetch(request.URL, outcome.Kind.String())
	f.logger.Debug("direct fetch",
		zap.String("url", request.URL),
		zap.String("outcome", outcome.Kind.String()),
		zap.Int("status", outcome.StatusCode),
		zap.String("reason", outcome.Reason),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request flow.FetchRequest, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.status = r.StatusCode
		state.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			state.headers = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			state.url = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		state.err = err
		if r != nil && r.StatusCode != 0 {
			state.status = r.StatusCode
			state.body = append([]byte(nil), r.Body...)
		}
	})
}

// runCollector reports finished=false when ctx ended first; the collector
// goroutine may still be writing its callbacks' state in that case.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		return true, err
	}
}

// classify maps collector state to an Outcome using the structured status code.
func classify(url string, state *fetchState, visitErr error) flow.Outcome {
	if state.status != 0 {
		switch flow.Classify(state.status) {
		case flow.OutcomeForbidden:
			return flow.Forbidden(url)
		case flow.OutcomeSuccess:
			out := flow.Success(url, state.status, state.body)
			out.Headers = state.headers
			if state.url != "" {
				out.URL = state.url
			}
			return out
		default:
			return flow.Transient(url, state.status, fmt.Sprintf("http %d", state.status))
		}
	}
	err := visitErr
	if err == nil {
		err = state.err
	}
	if err == nil {
		return flow.Transient(url, 0, "empty response")
	}
	return flow.Transient(url, 0, reason(err))
}

func reason(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &dnsErr):
		return "dns: " + dnsErr.Err
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return err.Error()
	}
}

func copyHeaders(request flow.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
	}
}
