package pipeline

import (
	"fmt"

	"github.com/gocarina/gocsv"

	"github.com/fpang/transcription-qa-bridge/internal/annotation"
)

// qaRow is one line of the QA job upload. Field order is column order.
type qaRow struct {
	OrigWorkerID         string `csv:"orig_worker_id"`
	AudioAnnotationURL   string `csv:"audio_annotation_url"`
	AudioURL             string `csv:"audio_url"`
	OrigUnitID           string `csv:"orig_unit_id"`
	OrigCreatedAt        string `csv:"orig_created_at"`
	DisplayID            string `csv:"display_id"`
	Duration             string `csv:"duration"`
	FileID               string `csv:"pe_file_id"`
	FileName             string `csv:"pe_file_name"`
	StoreID              string `csv:"pe_store_id"`
	Utterance            string `csv:"utterance"`
	UtteranceTranscribed string `csv:"utterance_transcribed"`
	OrigJobID            string `csv:"orig_job_id"`
	FromJobName          string `csv:"from_job_name"`
}

// BuildQACSV renders hosted records as the QA upload CSV. The annotation
// bodies themselves are not included; the QA job reads them through the
// utterance paths.
func BuildQACSV(records []annotation.Record, originJob, title string) ([]byte, error) {
	rows := make([]*qaRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, &qaRow{
			OrigWorkerID:         rec.WorkerID,
			AudioAnnotationURL:   rec.AudioAnnotationURL,
			AudioURL:             rec.AudioURL,
			OrigUnitID:           rec.UnitID,
			OrigCreatedAt:        rec.CreatedAt,
			DisplayID:            rec.DisplayID,
			Duration:             rec.Duration,
			FileID:               rec.FileID,
			FileName:             rec.FileName,
			StoreID:              rec.StoreID,
			Utterance:            rec.UtterancePath,
			UtteranceTranscribed: rec.TranscribedPath,
			OrigJobID:            originJob,
			FromJobName:          title,
		})
	}
	out, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return nil, fmt.Errorf("encode qa csv: %w", err)
	}
	return out, nil
}
