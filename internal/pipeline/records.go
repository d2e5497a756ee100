package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/annotation"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
	"github.com/fpang/transcription-qa-bridge/internal/report"
)

// collectRecords fetches both annotations of every row and pairs their
// utterances. A row whose transcription cannot be fetched or decoded, or
// equals the empty sentinel, is dropped. Only ctx cancellation is an error.
func (r *Runner) collectRecords(ctx context.Context, rows []report.Row) (records []annotation.Record, transcribed int, err error) {
	for _, row := range rows {
		unitID := row.Get(report.ColUnitID)

		ref, err := row.AnnotationRef(r.resultsCol)
		if err != nil {
			log.Warn().Err(err).Str("unitId", unitID).Msg("Dropping row without annotation reference")
			continue
		}

		body, err := r.api.FetchAnnotation(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, transcribed, ctx.Err()
			}
			log.Warn().Err(err).Str("unitId", unitID).Str("kind", ref.Kind.String()).Msg("Dropping row, annotation fetch failed")
			continue
		}
		if annotation.IsEmptySentinel(body) {
			log.Debug().Str("unitId", unitID).Msg("Dropping row, nothing to transcribe")
			continue
		}
		tx, err := annotation.DecodeTranscription(body)
		if err != nil {
			log.Warn().Err(err).Str("unitId", unitID).Msg("Dropping row, transcription undecodable")
			continue
		}
		transcribed++

		refDoc, err := r.fetchReference(ctx, row)
		if err != nil {
			if ctx.Err() != nil {
				return nil, transcribed, ctx.Err()
			}
			log.Warn().Err(err).Str("unitId", unitID).Msg("No reference annotation, row contributes no utterances")
		}
		records = append(records, annotation.Extract(row, refDoc, tx)...)
	}
	return records, transcribed, nil
}

// fetchReference loads the reference annotation a row's
// audio_annotation_url points at in the object store.
func (r *Runner) fetchReference(ctx context.Context, row report.Row) (*annotation.Reference, error) {
	uri := row.Get(report.ColAudioAnnotationURL)
	bucket, key, err := objstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := r.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get reference %s: %w", uri, err)
	}
	return annotation.DecodeReference(data)
}
