// Package api hosts the HTTP server for the movie catalog. Routes:
//   - POST /api/save_movie upserts a crawled record (the remote sink target).
//   - GET /api/movies lists records newest first, paginated.
//   - GET /api/movie/{code} returns one record with its magnets.
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
package api
