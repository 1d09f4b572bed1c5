package platform

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/blob"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// sweeper reclaims staging blobs whose photo record is gone. Such
// orphans appear when an upload fails between the blob write and the
// record insert and the inline compensation could not remove the blob.
type sweeper struct {
	blobs  blob.Store
	meta   metastore.Store
	grace  time.Duration
	logger zerolog.Logger
}

func newSweeper(blobs blob.Store, meta metastore.Store, grace time.Duration) *sweeper {
	if grace <= 0 {
		grace = time.Hour
	}
	return &sweeper{
		blobs:  blobs,
		meta:   meta,
		grace:  grace,
		logger: log.WithComponent("sweeper"),
	}
}

// run scans the staging buckets once. Blobs older than the grace window
// with no metastore record are removed; everything younger is left
// alone so in-flight uploads never race the sweep. Errors abort the
// pass and ride the job's retry.
func (s *sweeper) run(ctx context.Context) error {
	cutoff := time.Now().Add(-s.grace)
	reclaimed := 0

	for _, bucket := range []string{types.BucketPhotos, types.BucketPhotosLarge, types.BucketVideos} {
		objs, err := s.blobs.List(ctx, bucket, "photos/")
		if err != nil {
			return err
		}

		for _, obj := range objs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if obj.LastModified.After(cutoff) {
				continue
			}
			photoID, ok := photoIDFromKey(obj.Key)
			if !ok {
				// foreign key shape; never delete what we did not write
				continue
			}

			_, err := s.meta.Get(ctx, photoID)
			if err == nil {
				continue
			}
			if !errdefs.IsNotFound(err) {
				return err
			}

			if err := s.blobs.Remove(ctx, bucket, obj.Key); err != nil {
				return err
			}
			metrics.SweepOrphansReclaimed.Inc()
			reclaimed++
			s.logger.Info().
				Str("bucket", bucket).
				Str("key", obj.Key).
				Str("photo_id", photoID).
				Msg("Orphaned blob reclaimed")
		}
	}

	if reclaimed > 0 {
		s.logger.Info().Int("reclaimed", reclaimed).Msg("Sweep pass finished")
	} else {
		s.logger.Debug().Msg("Sweep pass finished; nothing to reclaim")
	}
	return nil
}

// photoIDFromKey extracts the photo ID from a staging key of the form
// photos/<date>/<millis>/<uuid>_<name>.
func photoIDFromKey(key string) (string, bool) {
	base := path.Base(key)
	id, _, found := strings.Cut(base, "_")
	if !found {
		return "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
