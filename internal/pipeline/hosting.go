package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/annotation"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
)

// ErrUnsafeKey is returned when an audio_annotation_url folder would
// escape the hosting prefix.
var ErrUnsafeKey = errors.New("unsafe sample key")

// SampleKeys returns the object keys of a record's hosted pair:
//
//	{prefix}/{origin}/utterance/{folder}/{file}_{id}.json
//	{prefix}/{origin}/utterance_transcribed/{folder}/{file}_{id}_{worker}.json
//
// folder is the audio_annotation_url path between the bucket and the file
// name, and file is the file name without ".json". Folders holding "." or
// ".." segments are rejected with ErrUnsafeKey.
func SampleKeys(prefix, originJob string, rec annotation.Record) (utterance, transcribed string, err error) {
	segs := strings.Split(rec.AudioAnnotationURL, "/")
	var folder, file string
	if len(segs) > 0 {
		file = strings.ReplaceAll(segs[len(segs)-1], ".json", "")
	}
	if len(segs) > 4 {
		for _, seg := range segs[3 : len(segs)-1] {
			if seg == "." || seg == ".." {
				return "", "", fmt.Errorf("%w: %s", ErrUnsafeKey, rec.AudioAnnotationURL)
			}
		}
		folder = strings.Join(segs[3:len(segs)-1], "/")
	}

	base := path.Join(prefix, originJob)
	utterance = path.Join(base, "utterance", folder, fmt.Sprintf("%s_%s.json", file, rec.SampleID))
	transcribed = path.Join(base, "utterance_transcribed", folder, fmt.Sprintf("%s_%s_%s.json", file, rec.SampleID, rec.WorkerID))
	return utterance, transcribed, nil
}

// hostSamples writes both JSON documents of every sampled record and sets
// the records' s3:// paths. A record drawn twice is written twice to the
// same keys. Nothing is written when any record's keys are unsafe.
func (r *Runner) hostSamples(ctx context.Context, originJob string, sampled []annotation.Record) error {
	for _, rec := range sampled {
		if _, _, err := SampleKeys(r.qaPrefix, originJob, rec); err != nil {
			return fmt.Errorf("sample %s: %w", rec.SampleID, err)
		}
	}
	for i := range sampled {
		rec := &sampled[i]
		uttKey, txKey, _ := SampleKeys(r.qaPrefix, originJob, *rec)

		refJSON, err := marshalSample(rec.Reference)
		if err != nil {
			return fmt.Errorf("encode reference sample %s: %w", rec.SampleID, err)
		}
		txJSON, err := marshalSample(rec.Transcribed)
		if err != nil {
			return fmt.Errorf("encode transcribed sample %s: %w", rec.SampleID, err)
		}

		if err := r.store.Put(ctx, r.bucket, uttKey, refJSON); err != nil {
			return fmt.Errorf("host %s: %w", uttKey, err)
		}
		if err := r.store.Put(ctx, r.bucket, txKey, txJSON); err != nil {
			return fmt.Errorf("host %s: %w", txKey, err)
		}
		rec.UtterancePath = objstore.URI(r.bucket, uttKey)
		rec.TranscribedPath = objstore.URI(r.bucket, txKey)
	}
	log.Info().Str("jobId", originJob).Int("pairs", len(sampled)).Str("bucket", r.bucket).Msg("Sample pairs hosted")
	return nil
}

// marshalSample encodes a sample without HTML escaping, so utterance text
// is stored as the annotators wrote it.
func marshalSample(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
