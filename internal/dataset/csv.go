package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/flowlens/internal/flow"
)

type column int

const (
	colKeyword column = iota
	colPublisherURL
	colPublisherDomain
	colLanding
	colSerpKey
	colAdTitle
	colAdDescription
	colAdDisplayURL
	colTimestamp
	colViewID
	colCreativeID
	colImpressions
	colClicks
	colConversions
)

// aliases lists accepted header names per column, most preferred first.
var aliases = map[column][]string{
	colKeyword:         {"keyword_term", "keyword"},
	colPublisherURL:    {"publisher_url"},
	colPublisherDomain: {"publisher_domain"},
	colLanding:         {"reporting_destination_url", "landing_url", "destination_url"},
	colSerpKey:         {"serp_template_key", "serp_template_name", "serp_template_id"},
	colAdTitle:         {"ad_title"},
	colAdDescription:   {"ad_description"},
	colAdDisplayURL:    {"ad_display_url"},
	colTimestamp:       {"ts", "timestamp"},
	colViewID:          {"view_id"},
	colCreativeID:      {"creative_id"},
	colImpressions:     {"impressions"},
	colClicks:          {"clicks"},
	colConversions:     {"conversions"},
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// ErrNoHeader is returned when the CSV has no header row.
var ErrNoHeader = errors.New("csv has no header row")

// RowError describes one dropped row.
type RowError struct {
	Line   int
	Fields int
	Want   int
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %d fields, want %d", e.Line, e.Fields, e.Want)
}

// ParseResult is the outcome of parsing a CSV payload.
type ParseResult struct {
	Records []flow.Record
	Skipped []RowError
}

// ParseRecords reads flow records from UTF-8 CSV. Short rows are padded when at
// least half of the header columns are present; other malformed rows are skipped.
func ParseRecords(data []byte) (ParseResult, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ParseResult{}, ErrNoHeader
		}
		return ParseResult{}, fmt.Errorf("read header: %w", err)
	}
	index := indexColumns(header)
	want := len(header)

	var res ParseResult
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Skipped = append(res.Skipped, RowError{Line: perr.Line, Fields: len(row), Want: want})
				continue
			}
			return res, fmt.Errorf("read csv: %w", err)
		}
		if isBlank(row) {
			continue
		}
		line, _ := r.FieldPos(0)
		if len(row) != want {
			if len(row) > want || len(row)*2 < want {
				res.Skipped = append(res.Skipped, RowError{Line: line, Fields: len(row), Want: want})
				continue
			}
			row = append(row, make([]string, want-len(row))...)
		}
		res.Records = append(res.Records, toRecord(row, index))
	}
	return res, nil
}

func indexColumns(header []string) map[column]int {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, seen := positions[name]; !seen {
			positions[name] = i
		}
	}
	index := make(map[column]int, len(aliases))
	for col, names := range aliases {
		for _, name := range names {
			if pos, ok := positions[name]; ok {
				index[col] = pos
				break
			}
		}
	}
	return index
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func toRecord(row []string, index map[column]int) flow.Record {
	get := func(c column) string {
		pos, ok := index[c]
		if !ok || pos >= len(row) {
			return ""
		}
		v := strings.TrimSpace(row[pos])
		if strings.EqualFold(v, "nan") || strings.EqualFold(v, "null") {
			return ""
		}
		return v
	}
	rec := flow.Record{
		ViewID:          get(colViewID),
		Timestamp:       parseTimestamp(get(colTimestamp)),
		PublisherURL:    get(colPublisherURL),
		PublisherDomain: flow.NormalizeDomain(get(colPublisherDomain)),
		CreativeID:      get(colCreativeID),
		AdTitle:         get(colAdTitle),
		AdDescription:   get(colAdDescription),
		AdDisplayURL:    get(colAdDisplayURL),
		SerpTemplateKey: get(colSerpKey),
		LandingURL:      get(colLanding),
		Keyword:         get(colKeyword),
		Impressions:     parseNumber(get(colImpressions)),
		Clicks:          parseNumber(get(colClicks)),
		Conversions:     parseNumber(get(colConversions)),
	}
	if rec.PublisherDomain == "" {
		rec.PublisherDomain = flow.DomainOf(rec.PublisherURL)
	}
	return rec
}

// parseNumber returns 0 for anything that is not a finite number.
func parseNumber(v string) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func parseTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC()
		}
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
		if secs > 1e12 {
			return time.UnixMilli(secs).UTC()
		}
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
