package flow

import (
	"net/http"
	"time"
)

// OutcomeKind classifies a direct fetch.
type OutcomeKind int

// Outcome kinds. Only Forbidden may trigger the paid screenshot fallback.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeForbidden
	OutcomeTransient
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "transient"
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// Outcome is the classified result of a direct fetch.
type Outcome struct {
	Kind       OutcomeKind
	URL        string
	StatusCode int
	Body       []byte
	Headers    http.Header
	Duration   time.Duration
	// Reason is set for transient failures.
	Reason string
}

// Success builds a successful outcome.
func Success(url string, status int, body []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, URL: url, StatusCode: status, Body: body}
}

// Forbidden builds an access-forbidden outcome.
func Forbidden(url string) Outcome {
	return Outcome{Kind: OutcomeForbidden, URL: url, StatusCode: http.StatusForbidden}
}

// Transient builds a non-forbidden failure outcome.
func Transient(url string, status int, reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, URL: url, StatusCode: status, Reason: reason}
}

// Classify maps an HTTP status code to an outcome kind.
func Classify(status int) OutcomeKind {
	switch {
	case status == http.StatusForbidden:
		return OutcomeForbidden
	case status >= 200 && status < 300:
		return OutcomeSuccess
	default:
		return OutcomeTransient
	}
}
