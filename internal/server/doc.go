/*
Package server exposes the editing service over HTTP.

# Routes

Handler.Mount registers the session API under /api/sessions:

	POST /api/sessions                         upload a working set (multipart files[], optional replaces)
	GET  /api/sessions/{sessionID}/current     active image
	POST /api/sessions/{sessionID}/next        move forward, clamped
	POST /api/sessions/{sessionID}/prev        move back, clamped
	POST /api/sessions/{sessionID}/filter      apply one filter
	POST /api/sessions/{sessionID}/pipeline    apply a list of steps
	POST /api/sessions/{sessionID}/confirm     commit the tentative result
	POST /api/sessions/{sessionID}/export      write confirmed images
	GET  /api/sessions/{sessionID}/images/{id} image bytes, never cached

An upload naming the session it replaces deletes that session once the new one exists.
The server itself answers GET /healthz, and MountMetrics adds the Prometheus handler.

Every failure is written as {"status": "error", "message": "..."} with the status code
of the domain.APIError it came from. Errors that are not APIErrors become a 500 with a
generic message; the cause is only logged.

# Middleware Chain Order

 1. RequestIDMiddleware (reuses a valid incoming X-Request-ID)
 2. LoggingMiddleware (one line per request, fields added with AddLogField/AddError)
 3. MetricsMiddleware (request counts and latency by route pattern)
 4. TimeoutMiddleware (deadline on the request context)
 5. Recoverer (catches panics)
 6. OTel instrumentation

# Example Usage

	srv := server.New(cfg.Server, logger)
	server.NewHandler(svc, cfg.Server.MaxUploadBytes, logger).Mount(srv.Router)
	srv.MountMetrics("/metrics")
	srv.Start()
*/
package server
