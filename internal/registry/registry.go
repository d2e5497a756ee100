// Package registry tracks which origin jobs the pipeline sweeps.
//
// Each tracked job is an empty marker object at {folder}/{jobID} in the
// pipeline bucket. Presence of the marker is the whole record.
package registry

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/objstore"
)

// Registry reads and writes job markers.
type Registry struct {
	store  objstore.Store
	bucket string
	folder string
}

// New returns a Registry rooted at bucket/folder.
func New(store objstore.Store, bucket, folder string) *Registry {
	return &Registry{
		store:  store,
		bucket: bucket,
		folder: strings.Trim(folder, "/"),
	}
}

func (r *Registry) markerKey(jobID string) string {
	return r.folder + "/" + jobID
}

// Register writes the marker for jobID. The write is an idempotent
// overwrite; newly reports whether the marker was absent beforehand.
func (r *Registry) Register(ctx context.Context, jobID string) (newly bool, err error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.Contains(jobID, "/") {
		return false, fmt.Errorf("invalid job id %q", jobID)
	}

	key := r.markerKey(jobID)
	existing, err := r.store.List(ctx, r.bucket, key)
	if err != nil {
		return false, fmt.Errorf("check marker %s: %w", key, err)
	}
	newly = true
	for _, k := range existing {
		if k == key {
			newly = false
			break
		}
	}

	if err := r.store.Put(ctx, r.bucket, key, nil); err != nil {
		return false, fmt.Errorf("write marker %s: %w", key, err)
	}

	log.Info().Str("jobId", jobID).Bool("newlyRegistered", newly).Msg("Origin job registered")
	return newly, nil
}

// ListAll returns every registered job ID in key order. The job ID is the
// last key segment with any extension removed.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	keys, err := r.store.List(ctx, r.bucket, r.folder+"/")
	if err != nil {
		return nil, fmt.Errorf("list registry %s: %w", r.folder, err)
	}

	seen := make(map[string]bool, len(keys))
	var jobs []string
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		base := path.Base(key)
		id, _, _ := strings.Cut(base, ".")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		jobs = append(jobs, id)
	}
	log.Debug().Int("count", len(jobs)).Strs("jobs", jobs).Msg("Registry listed")
	return jobs, nil
}
