package flow

import (
	"cmp"
	"fmt"
	"slices"
)

// Metric names a sortable performance column.
type Metric string

// Sortable metrics.
const (
	MetricConversions Metric = "conversions"
	MetricClicks      Metric = "clicks"
	MetricImpressions Metric = "impressions"
)

// ParseMetric validates a metric name; empty selects impressions.
func ParseMetric(raw string) (Metric, error) {
	switch Metric(raw) {
	case "":
		return MetricImpressions, nil
	case MetricConversions, MetricClicks, MetricImpressions:
		return Metric(raw), nil
	default:
		return "", fmt.Errorf("unknown metric %q", raw)
	}
}

// Combination aggregates every view of a keyword, domain and SERP template.
type Combination struct {
	Keyword         string  `json:"keyword"`
	PublisherDomain string  `json:"publisher_domain"`
	SerpTemplateKey string  `json:"serp_template_key"`
	Views           int     `json:"views"`
	Impressions     float64 `json:"impressions"`
	Clicks          float64 `json:"clicks"`
	Conversions     float64 `json:"conversions"`
	CTR             float64 `json:"ctr"`
	CVR             float64 `json:"cvr"`
}

func (c Combination) value(m Metric) float64 {
	switch m {
	case MetricConversions:
		return c.Conversions
	case MetricClicks:
		return c.Clicks
	default:
		return c.Impressions
	}
}

type comboKey struct {
	keyword, domain, serp string
}

// Summarize groups records by keyword, publisher domain and SERP template and
// returns the top limit groups by metric. A non-positive limit returns all groups.
func Summarize(records []Record, filter Filter, metric Metric, limit int) []Combination {
	groups := make(map[comboKey]*Combination)
	for _, r := range Apply(records, filter) {
		key := comboKey{keyword: r.Keyword, domain: r.PublisherDomain, serp: r.SerpTemplateKey}
		c, ok := groups[key]
		if !ok {
			c = &Combination{Keyword: r.Keyword, PublisherDomain: r.PublisherDomain, SerpTemplateKey: r.SerpTemplateKey}
			groups[key] = c
		}
		c.Views++
		c.Impressions += r.Impressions
		c.Clicks += r.Clicks
		c.Conversions += r.Conversions
	}

	out := make([]Combination, 0, len(groups))
	for _, c := range groups {
		agg := Record{Impressions: c.Impressions, Clicks: c.Clicks, Conversions: c.Conversions}
		c.CTR = agg.CTR()
		c.CVR = agg.CVR()
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Combination) int {
		if c := cmp.Compare(b.value(metric), a.value(metric)); c != 0 {
			return c
		}
		return cmp.Or(
			cmp.Compare(b.Conversions, a.Conversions),
			cmp.Compare(b.Clicks, a.Clicks),
			cmp.Compare(b.Impressions, a.Impressions),
			cmp.Compare(a.Keyword, b.Keyword),
			cmp.Compare(a.PublisherDomain, b.PublisherDomain),
			cmp.Compare(a.SerpTemplateKey, b.SerpTemplateKey),
		)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
