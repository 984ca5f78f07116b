// Package flow defines the core types shared across the flowlens subsystems.
package flow

import (
	"net/url"
	"strings"
	"time"
)

// Stage names one hop of an ad flow.
type Stage string

// Flow stages resolved by the similarity pipeline.
const (
	StagePublisher Stage = "publisher"
	StageSERP      Stage = "serp"
	StageLanding   Stage = "landing"
)

// Record is one row of the performance dataset. Records are read-only after load.
type Record struct {
	ViewID          string    `json:"view_id,omitempty"`
	Timestamp       time.Time `json:"ts,omitempty"`
	PublisherURL    string    `json:"publisher_url"`
	PublisherDomain string    `json:"publisher_domain"`
	CreativeID      string    `json:"creative_id,omitempty"`
	AdTitle         string    `json:"ad_title,omitempty"`
	AdDescription   string    `json:"ad_description,omitempty"`
	AdDisplayURL    string    `json:"ad_display_url,omitempty"`
	SerpTemplateKey string    `json:"serp_template_key,omitempty"`
	LandingURL      string    `json:"landing_url"`
	Keyword         string    `json:"keyword"`
	Impressions     float64   `json:"impressions"`
	Clicks          float64   `json:"clicks"`
	Conversions     float64   `json:"conversions"`
}

// CTR returns clicks per impression, or 0 without impressions.
func (r Record) CTR() float64 {
	if r.Impressions <= 0 {
		return 0
	}
	return r.Clicks / r.Impressions
}

// CVR returns conversions per click, or 0 without clicks.
func (r Record) CVR() float64 {
	if r.Clicks <= 0 {
		return 0
	}
	return r.Conversions / r.Clicks
}

// AdText joins the creative title and description.
func (r Record) AdText() string {
	return strings.TrimSpace(strings.TrimSpace(r.AdTitle) + " " + strings.TrimSpace(r.AdDescription))
}

// Dataset is the loaded performance table.
type Dataset struct {
	Records []Record `json:"records"`
	// Skipped counts malformed rows dropped during ingestion.
	Skipped  int       `json:"skipped"`
	Source   string    `json:"source"`
	LoadedAt time.Time `json:"loaded_at"`
}

// SerpTemplates maps template keys to raw HTML shells.
type SerpTemplates map[string]string

// Filter narrows the dataset before selection. Empty fields match everything.
type Filter struct {
	Keyword      string `json:"keyword,omitempty"`
	KeywordExact bool   `json:"keyword_exact,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

// DomainOf returns the lowercase host of rawURL without a leading "www.".
func DomainOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" || strings.EqualFold(raw, "null") {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return NormalizeDomain(u.Hostname())
}

// NormalizeDomain lowercases d and strips a leading "www.".
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	return strings.TrimPrefix(d, "www.")
}

// UsableURL reports whether raw looks like a URL worth resolving.
func UsableURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	return raw != "" && !strings.EqualFold(raw, "null") && !strings.EqualFold(raw, "nan")
}
