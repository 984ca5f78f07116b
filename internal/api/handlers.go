package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/serp"
)

type flowResponse struct {
	Flow      flow.Record            `json:"flow"`
	CTR       float64                `json:"ctr"`
	CVR       float64                `json:"cvr"`
	StageURLs map[flow.Stage]string  `json:"stage_urls"`
	Result    *flow.SimilarityResult `json:"result,omitempty"`
}

type scoreRequest struct {
	flow.Filter
	// Record scores the given flow instead of selecting one.
	Record *flow.Record `json:"record,omitempty"`
}

type renderRequest struct {
	flow.Filter
	TemplateKey string        `json:"template_key,omitempty"`
	Snippet     *serp.Snippet `json:"snippet,omitempty"`
}

func filterFromQuery(r *http.Request) flow.Filter {
	q := r.URL.Query()
	exact, _ := strconv.ParseBool(q.Get("exact"))
	return flow.Filter{
		Keyword:      strings.TrimSpace(q.Get("keyword")),
		KeywordExact: exact,
		Domain:       strings.TrimSpace(q.Get("domain")),
	}
}

// selectFlow loads the dataset and picks the best record, writing the error response itself.
func (s *Server) selectFlow(ctx context.Context, w http.ResponseWriter, filter flow.Filter) (flow.Record, bool) {
	ds, ok := s.dataset(ctx, w)
	if !ok {
		return flow.Record{}, false
	}
	rec, err := flow.Select(ds.Records, filter)
	if err != nil {
		if errors.Is(err, flow.ErrNoMatch) {
			writeError(w, http.StatusNotFound, "no flow matches the filters")
			return flow.Record{}, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return flow.Record{}, false
	}
	return rec, true
}

func (s *Server) dataset(ctx context.Context, w http.ResponseWriter) (flow.Dataset, bool) {
	ds, err := s.data.Dataset(ctx)
	if err != nil {
		s.logger.Error("dataset load failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not load dataset")
		return flow.Dataset{}, false
	}
	return ds, true
}

func (s *Server) newFlowResponse(rec flow.Record) flowResponse {
	return flowResponse{Flow: rec, CTR: rec.CTR(), CVR: rec.CVR(), StageURLs: s.scorer.StageURLs(rec)}
}

func (s *Server) bestFlow(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.selectFlow(r.Context(), w, filterFromQuery(r))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.newFlowResponse(rec))
}

func (s *Server) topFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric, err := flow.ParseMetric(q.Get("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := s.cfg.Data.TopDefault
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	ds, ok := s.dataset(r.Context(), w)
	if !ok {
		return
	}
	combos := flow.Summarize(ds.Records, filterFromQuery(r), metric, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"metric":       metric,
		"combinations": combos,
		"skipped_rows": ds.Skipped,
	})
}

func (s *Server) scoreFlow(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	var rec flow.Record
	if req.Record != nil {
		rec = *req.Record
	} else {
		var ok bool
		if rec, ok = s.selectFlow(r.Context(), w, req.Filter); !ok {
			return
		}
	}
	result, err := s.scorer.Score(r.Context(), rec)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	resp := s.newFlowResponse(rec)
	resp.Result = &result
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) renderSerp(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	key, keyword := req.TemplateKey, req.Keyword
	var snippet serp.Snippet
	if req.Snippet != nil {
		snippet = *req.Snippet
	}
	if key == "" {
		rec, ok := s.selectFlow(r.Context(), w, req.Filter)
		if !ok {
			return
		}
		key, keyword = rec.SerpTemplateKey, rec.Keyword
		if req.Snippet == nil {
			snippet = serp.SnippetFrom(rec)
		}
	}
	templates, err := s.data.Templates(r.Context())
	if err != nil {
		s.logger.Error("serp templates load failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not load serp templates")
		return
	}
	out, err := serp.Render(templates, key, snippet, keyword)
	if err != nil {
		if errors.Is(err, serp.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(out)); err != nil {
		s.logger.Warn("write serp failed", zap.Error(err))
	}
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	if s.screenshots == nil {
		writeError(w, http.StatusServiceUnavailable, "screenshots not configured")
		return
	}
	q := r.URL.Query()
	target := strings.TrimSpace(q.Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	device := s.cfg.Device(q.Get("device"))
	fullPage, _ := strconv.ParseBool(q.Get("full_page"))
	shotURL, err := s.screenshots.URLFor(target, device, fullPage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if render, _ := strconv.ParseBool(q.Get("render")); !render {
		writeJSON(w, http.StatusOK, map[string]any{"url": shotURL, "device": device})
		return
	}
	img, err := s.screenshots.Capture(r.Context(), target, device, fullPage)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, flow.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(img.Data))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		s.logger.Warn("write screenshot failed", zap.Error(err))
	}
}

// decodeOptional decodes a JSON body into dst; an empty body leaves dst untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
