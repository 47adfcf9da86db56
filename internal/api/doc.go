// Package api hosts the read-only status server used by the dashboard.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/status for mission, run metadata and scheduler state.
//   - GET /api/data for the latest batch preview.
//   - POST /api/cycles to request a cycle outside the schedule.
package api
