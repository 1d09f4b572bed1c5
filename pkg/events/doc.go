/*
Package events provides Darkroom's event channel: topic-based pub/sub with
ordered per-photo delivery over an in-process bus or redis.

Every photo lifecycle transition (uploaded, processing started, stage
completed, completed, failed, cancelled, deleted) is published as an event.
Subscribers register a handler against a topic pattern; the channel fans
events out without ever blocking a publisher.

# Architecture

	┌──────────────────── EVENT CHANNEL ───────────────────────┐
	│                                                            │
	│  Publisher (ingress, worker)                               │
	│       │                                                    │
	│       ▼                                                    │
	│  Channel.Publish ── topic match ──► Subscription           │
	│                                        │                   │
	│                    ┌───────────────────┤                   │
	│                    ▼                   ▼                   │
	│               lane 0 (chan)       lane N (chan)            │
	│                    │                   │                   │
	│                    ▼                   ▼                   │
	│               handler(evt)       handler(evt)              │
	│                                                            │
	│  Same photo ⇒ same lane ⇒ delivery order preserved         │
	│  Full lane  ⇒ event dropped (counted, never blocks)        │
	└────────────────────────────────────────────────────────────┘

Two implementations satisfy the Channel interface:

LocalBus:
  - In-process fan-out for single-binary deployments and tests
  - Topic matching and lane dispatch, no transport

RedisChannel:
  - Redis pub/sub transport for multi-process deployments
  - Topics map to channels under "<namespace>:evt:"
  - One reader goroutine per subscription feeds the same lanes

# Topics and Patterns

Topics are dot-separated segments:

	photo.uploaded
	photo.processing.started
	photo.processing.stage.completed
	photo.processing.completed
	photo.processing.failed
	photo.cancelled
	photo.cancel.requested
	photo.deleted
	system.startup
	system.shutdown

Subscription patterns match exact topics, or use a trailing "*" segment
that matches one or more remaining segments:

	photo.uploaded      matches only photo.uploaded
	photo.*             matches every photo topic
	photo.processing.*  matches started, stage.completed, completed, failed
	*                   matches everything

# Ordering and Idempotency

Events carrying a photo ID are dispatched on the lane selected by hashing
that ID, so one photo's events are handled in publish order even when the
subscription runs several lanes. Events without a photo ID spread across
lanes by event ID and carry no ordering guarantee.

Events carrying a photo sequence get deterministic IDs derived from
(photo_id, sequence). A transport redelivery of the same logical event
reuses the same ID, letting consumers deduplicate.

# Usage

Subscribing:

	ch := events.NewLocalBus()
	sub, err := ch.Subscribe("photo.processing.*", func(ctx context.Context, evt *types.Event) error {
		fmt.Printf("%s %s seq=%d\n", evt.Type, evt.Metadata.PhotoID, evt.Metadata.Sequence)
		return nil
	}, events.WithRetry(3), events.WithTimeout(5*time.Second))
	if err != nil {
		return err
	}
	defer ch.Unsubscribe(sub)

Publishing:

	evt := events.New(types.TopicPhotoUploaded, map[string]any{
		"blob_key": rec.BlobKey,
		"size":     rec.SizeBytes,
	}, types.EventMetadata{
		Source:   "ingress",
		PhotoID:  rec.ID,
		ClientID: rec.ClientID,
		Sequence: 1,
	})
	if err := ch.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Msg("Event publish failed")
	}

Redis transport:

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ch := events.NewRedisChannel(client, "darkroom")
	defer ch.Close()

# Delivery Semantics

At-least-once, non-blocking:
  - Publish returns after the event is accepted by the transport
  - A full subscription lane drops the event and increments a counter
  - Handler errors are retried per subscription options, then abandoned
  - Handler panics are recovered and counted as errors

The channel favors liveness over completeness: a stalled consumer can
never back-pressure ingress or the workers. Consumers that need a
complete, replayable record should read the metadata store, not the
event channel.

# Integration Points

This package integrates with:

  - pkg/ingress: publishes photo.uploaded, photo.cancel.requested, photo.deleted
  - pkg/pipeline: publishes processing lifecycle events from the owning worker
  - pkg/worker: subscribes to photo.cancel.requested to interrupt active jobs
  - pkg/fabric: subscribes to photo.* and system.* to route events to rooms
  - pkg/platform: publishes system.startup and system.shutdown
*/
package events
