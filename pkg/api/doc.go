/*
Package api implements the darkroom REST surface and route wiring.

The api package is the external edge of a darkroom node. It translates
HTTP requests into ingress coordinator calls for photo operations,
exposes queue and worker administration, mounts the websocket gateway,
and serves the health and metrics endpoints.

# Architecture

	┌──────────────────────── CLIENT ─────────────────────────────┐
	│   darkroom CLI / curl / browser websocket                    │
	└──────────────────────────┬──────────────────────────────────┘
	                           │ HTTP (default :8080)
	┌──────────────────────────▼──────────────────────────────────┐
	│                      chi router                               │
	│                                                               │
	│  middleware: RealIP → trace ID → observe → Recoverer         │
	│                                                               │
	│  /api/v1/photos            upload / get / list / search      │
	│  /api/v1/photos/{id}/...   download (302) / cancel / delete  │
	│  /api/v1/queue/...         stats / pause / resume / dead     │
	│  /api/v1/workers           status / scale                    │
	│  /ws                       websocket event gateway            │
	│  /metrics /health /ready /live                                │
	└──────┬────────────────┬──────────────────┬───────────────────┘
	       │                │                  │
	   ingress.          queue.Queue       worker.Pool
	   Coordinator       (admin ops)       (status, scale)

# Error Mapping

Handler errors carry an errdefs kind which maps onto HTTP status codes:

	validation_failed   400
	not_found           404
	conflict            409
	cancelled           409
	transient_backend   503
	timeout             504
	anything else       500

Error bodies are {"error", "kind", "trace_id"}. The trace ID comes from
the X-Trace-Id request header or is generated, and is echoed on every
response so a failed upload can be correlated with worker logs.

# Usage

	srv := api.New(coordinator, jobQueue, pool, gateway, nil, api.Config{
		Addr: ":8080",
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop(ctx)

# Integration Points

  - pkg/ingress: photo upload, lookup, listing, cancel, delete
  - pkg/queue: stats, pause/resume, dead letter admin
  - pkg/worker: pool status and scaling
  - pkg/fabric: websocket gateway mounted at /ws
  - pkg/health, pkg/metrics: probe and Prometheus endpoints
*/
package api
