// Package main hosts the flowlens service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, flow selection, summary, scoring, SERP rendering
//     and screenshot endpoints. Only a dataset load failure fails a request outright (503); every other
//     problem is reported per stage or per pair inside the response.
//   - Dataset: internal/dataset reads the flow CSV and SERP templates from http(s), gs:// or a local path,
//     unpacks gzip/zip, transcodes legacy encodings and keeps a snapshot that refreshes on data.refresh.
//   - Similarity pipeline: internal/similarity resolves the publisher, SERP and landing texts concurrently.
//     Direct fetches go through the Colly fetcher; a 403 falls back to a local chromedp render when headless
//     is enabled, otherwise to a thum.io screenshot plus tesseract OCR. The three pairs are scored through an
//     OpenAI-compatible router behind a token bucket.
//   - Cache: screenshots, OCR text, stage texts and scores share one TTL cache (memory, redis or postgres)
//     so repeated requests never repeat a paid call within cache.ttl.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: FLOWLENS_SERVER_PORT, FLOWLENS_DATA_CSV_SOURCE, FLOWLENS_DATA_TEMPLATES_SOURCE,
//     FLOWLENS_SIMILARITY_API_KEY, FLOWLENS_SCREENSHOT_API_KEY or FLOWLENS_SCREENSHOT_REFERER_DOMAIN,
//     FLOWLENS_CACHE_BACKEND with its redis/db settings.
//   - Run locally: go run ./cmd/flowlens -config config.yaml (or rely solely on env overrides).
//   - Credentials are optional; a missing key disables the matching feature instead of failing startup.
package main
