/*
Package client provides a Go client library for the darkroom HTTP API.

The client wraps the REST surface with typed methods so the CLI and
external Go programs never hand-build requests. Server errors are
rebuilt into errdefs errors carrying the original kind, which keeps the
errdefs predicates (IsNotFound, IsValidationFailed, ...) working across
the process boundary.

# Architecture

	┌────────────────── APPLICATION CODE ─────────────────────┐
	│                                                           │
	│  c := client.New("localhost:8080")                        │
	│  rec, err := c.Upload("sunset.png", client.UploadOptions{ │
	│      ClientID: "cli",                                     │
	│  })                                                       │
	│                                                           │
	└───────────────────────────┬──────────────────────────────┘
	                            │
	┌───────────────────────────▼──── pkg/client ──────────────┐
	│  typed methods → HTTP requests → JSON decode              │
	│  {error, kind, trace_id} bodies → errdefs errors          │
	└───────────────────────────┬──────────────────────────────┘
	                            │ HTTP (default :8080)
	                            ▼
	                   darkroom node (pkg/api)

# Usage

Uploading and watching a photo:

	c := client.New("localhost:8080")

	rec, err := c.Upload("sunset.png", client.UploadOptions{
		ClientID: "cli",
		Pipeline: "full_processing",
	})
	if err != nil {
		return err
	}

	rec, err = c.GetPhoto(rec.ID)
	if err != nil {
		return err
	}
	fmt.Println(rec.Status)

Queue administration:

	stats, err := c.QueueStats()
	dead, err := c.DeadLetters(50)
	job, err := c.RequeueDead("photo:1234")

Error kinds survive the wire:

	_, err := c.GetPhoto("nope")
	if errdefs.IsNotFound(err) {
		// photo does not exist
	}

# Timeouts

Every method carries its own deadline: ten seconds for control calls,
two minutes for uploads. The zero-value http.Client is reused across
calls, so connections pool naturally.

# Integration Points

  - pkg/api: the server side of every method
  - pkg/types: PhotoRecord, Job, QueueStats, DeadLetter payloads
  - pkg/errdefs: error kinds reconstructed from response bodies
  - cmd/darkroom: ingest, status, and queue verbs are built on this
*/
package client
