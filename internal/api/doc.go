// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/flows/best and /v1/flows/top for flow selection and the summary table.
//   - POST /v1/flows/score for similarity scoring of one flow.
//   - POST /v1/serp/render and GET /v1/screenshots for the visual stages.
package api
