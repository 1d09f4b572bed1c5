package ingress

import (
	"context"
	"net/http"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/types"
)

// Get returns the photo record by ID
func (c *Coordinator) Get(ctx context.Context, photoID string) (*types.PhotoRecord, error) {
	return c.meta.Get(ctx, photoID)
}

// List returns a client's photos, newest first
func (c *Coordinator) List(ctx context.Context, clientID string, limit, offset int) ([]*types.PhotoRecord, error) {
	if clientID == "" {
		return nil, errdefs.New(errdefs.KindValidationFailed, "client_id is required")
	}
	return c.meta.ListByClient(ctx, clientID, limit, offset)
}

// ListByUser returns a user's photos, newest first
func (c *Coordinator) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.PhotoRecord, error) {
	if userID == "" {
		return nil, errdefs.New(errdefs.KindValidationFailed, "user_id is required")
	}
	return c.meta.ListByUser(ctx, userID, limit, offset)
}

// Search matches the query against original names and MIME types
func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]*types.PhotoRecord, error) {
	if query == "" {
		return nil, errdefs.New(errdefs.KindValidationFailed, "search query is required")
	}
	return c.meta.Search(ctx, query, limit)
}

// Download returns a presigned GET URL for the original (role == "") or a
// named artifact. URLs are cached at half their lifetime.
func (c *Coordinator) Download(ctx context.Context, photoID, role string) (string, error) {
	rec, err := c.meta.Get(ctx, photoID)
	if err != nil {
		return "", err
	}

	bucket, key := rec.Bucket, rec.BlobKey
	if role != "" {
		found := false
		for _, a := range rec.Artifacts {
			if a.Role == role {
				bucket, key = a.Bucket, a.BlobKey
				found = true
				break
			}
		}
		if !found {
			return "", errdefs.New(errdefs.KindNotFound, "photo %s has no %q artifact", photoID, role)
		}
	}

	cacheKey := photoID + "/" + role
	if url, ok := c.urls.Get(cacheKey); ok {
		return url, nil
	}

	url, err := c.blobs.PresignedURL(ctx, http.MethodGet, bucket, key, c.cfg.URLTTL)
	if err != nil {
		return "", err
	}
	c.urls.Add(cacheKey, url)
	return url, nil
}

// Cancel flags the photo for cooperative cancellation and announces the
// request. Terminal photos conflict. The engine between stages, or the
// worker's cancel watcher mid-stage, picks the flag up.
func (c *Coordinator) Cancel(ctx context.Context, photoID string) error {
	rec, err := c.meta.Update(ctx, photoID, func(r *types.PhotoRecord) error {
		if r.Status.Terminal() {
			return errdefs.New(errdefs.KindConflict, "photo %s is %s; cannot cancel", photoID, r.Status)
		}
		r.CancelRequested = true
		return nil
	})
	if err != nil {
		return err
	}

	c.emit(events.New(types.TopicCancelRequested, map[string]any{
		"photo_id": photoID,
	}, types.EventMetadata{
		Source:    "ingress",
		ClientID:  rec.ClientID,
		SessionID: rec.SessionID,
		PhotoID:   photoID,
	}))

	c.logger.Info().Str("photo_id", photoID).Msg("Cancellation requested")
	return nil
}

// Delete cascades: pending job, artifacts, original blob, record. Deleting
// an unknown photo succeeds, so the operation can be retried safely.
func (c *Coordinator) Delete(ctx context.Context, photoID string) error {
	rec, err := c.meta.Get(ctx, photoID)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	// stop pending work first; a mid-flight worker discovers the missing
	// record on its next transition and dead-ends there
	if err := c.queue.Remove(ctx, "photo:"+photoID); err != nil {
		c.logger.Warn().Err(err).Str("photo_id", photoID).Msg("Queue removal during delete failed")
	}

	for _, a := range rec.Artifacts {
		if err := c.blobs.Remove(ctx, a.Bucket, a.BlobKey); err != nil {
			return errdefs.Wrap(errdefs.KindOf(err), err, "remove artifact %s", a.Role)
		}
		c.urls.Remove(photoID + "/" + a.Role)
	}
	if err := c.blobs.Remove(ctx, rec.Bucket, rec.BlobKey); err != nil {
		return errdefs.Wrap(errdefs.KindOf(err), err, "remove original blob")
	}
	c.urls.Remove(photoID + "/")

	if err := c.meta.Delete(ctx, photoID); err != nil {
		return err
	}

	c.emit(events.New(types.TopicPhotoDeleted, map[string]any{
		"photo_id": photoID,
	}, types.EventMetadata{
		Source:    "ingress",
		ClientID:  rec.ClientID,
		SessionID: rec.SessionID,
		PhotoID:   photoID,
	}))

	c.logger.Info().Str("photo_id", photoID).Str("client_id", rec.ClientID).Msg("Photo deleted")
	return nil
}
