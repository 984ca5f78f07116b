package flow

import (
	"cmp"
	"slices"
	"strings"
)

// Select returns the best record among those matching filter. Candidates are
// ordered by conversions, clicks and impressions (all descending), then by the
// most recent timestamp and finally by identifying strings so that the same
// input always yields the same record.
func Select(records []Record, filter Filter) (Record, error) {
	candidates := Apply(records, filter)
	if len(candidates) == 0 {
		return Record{}, ErrNoMatch
	}
	slices.SortStableFunc(candidates, compareRecords)
	return candidates[0], nil
}

// Apply returns the records matching filter, in input order.
func Apply(records []Record, filter Filter) []Record {
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))
	domain := NormalizeDomain(filter.Domain)

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if keyword != "" && !matchKeyword(r.Keyword, keyword, filter.KeywordExact) {
			continue
		}
		if domain != "" && NormalizeDomain(r.PublisherDomain) != domain {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchKeyword(candidate, want string, exact bool) bool {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if exact {
		return candidate == want
	}
	return strings.Contains(candidate, want)
}

func compareRecords(a, b Record) int {
	if c := cmp.Compare(b.Conversions, a.Conversions); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Clicks, a.Clicks); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Impressions, a.Impressions); c != 0 {
		return c
	}
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Or(
		cmp.Compare(a.ViewID, b.ViewID),
		cmp.Compare(a.PublisherURL, b.PublisherURL),
		cmp.Compare(a.LandingURL, b.LandingURL),
		cmp.Compare(a.Keyword, b.Keyword),
		cmp.Compare(a.SerpTemplateKey, b.SerpTemplateKey),
		cmp.Compare(a.CreativeID, b.CreativeID),
	)
}
