package flow

// TextSource records where a stage text came from.
type TextSource string

// Text sources.
const (
	SourceDirect   TextSource = "direct"
	SourceHeadless TextSource = "headless"
	SourceOCR      TextSource = "ocr"
	SourceRecord   TextSource = "record"
)

// StageText is the resolved text of one stage, or the reason it is unavailable.
type StageText struct {
	Stage     Stage      `json:"stage"`
	URL       string     `json:"url,omitempty"`
	Text      string     `json:"text,omitempty"`
	Available bool       `json:"available"`
	Source    TextSource `json:"source,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	// Screenshot is the service URL used when the OCR fallback ran.
	Screenshot string `json:"screenshot,omitempty"`
}

// PairKind names a scored pair.
type PairKind string

// Scored pairs.
const (
	PairKeywordAd      PairKind = "kwd_to_ad"
	PairAdLanding      PairKind = "ad_to_page"
	PairKeywordLanding PairKind = "kwd_to_page"
)

// Score is one similarity judgement on a 0..1 scale.
type Score struct {
	Final        float64 `json:"final_score"`
	Band         string  `json:"band"`
	Reason       string  `json:"reason,omitempty"`
	Intent       string  `json:"intent,omitempty"`
	KeywordMatch float64 `json:"keyword_match,omitempty"`
	TopicMatch   float64 `json:"topic_match,omitempty"`
	IntentMatch  float64 `json:"intent_match,omitempty"`
	BrandMatch   float64 `json:"brand_match,omitempty"`
	PromiseMatch float64 `json:"promise_match,omitempty"`
	UtilityMatch float64 `json:"utility_match,omitempty"`
}

// PairScore is either a score or the reason none was produced.
type PairScore struct {
	Kind  PairKind `json:"kind"`
	Score *Score   `json:"score,omitempty"`
	Error string   `json:"error,omitempty"`
}

// SimilarityResult is derived, cacheable output for one flow.
type SimilarityResult struct {
	Keyword string                 `json:"keyword"`
	AdText  string                 `json:"ad_text"`
	Device  string                 `json:"device"`
	Stages  map[Stage]StageText    `json:"stages"`
	Pairs   map[PairKind]PairScore `json:"pairs"`
}

// Band names the quality band for a 0..1 score.
func Band(score float64) string {
	switch {
	case score >= 0.8:
		return "excellent"
	case score >= 0.6:
		return "good"
	case score >= 0.4:
		return "moderate"
	case score >= 0.2:
		return "weak"
	default:
		return "poor"
	}
}
