package annotation

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/report"
)

// ReferenceSample is the hosted JSON for the reference side of a pair.
type ReferenceSample struct {
	Annotation        [][]json.RawMessage `json:"annotation"`
	NothingToAnnotate bool                `json:"nothingToAnnotate"`
}

// TranscribedSample is the hosted JSON for the transcribed side of a pair.
type TranscribedSample struct {
	Annotation          [][]json.RawMessage `json:"annotation"`
	NothingToAnnotate   bool                `json:"nothingToAnnotate"`
	AbleToAnnotate      bool                `json:"ableToAnnotate"`
	NothingToTranscribe bool                `json:"nothingToTranscribe"`
}

// Record is one transcribable utterance paired with its reference.
// UtterancePath and TranscribedPath are set once the samples are hosted.
type Record struct {
	SampleID    string
	Reference   ReferenceSample
	Transcribed TranscribedSample

	WorkerID           string
	UnitID             string
	CreatedAt          string
	AudioAnnotationURL string
	AudioURL           string
	DisplayID          string
	Duration           string
	FileID             string
	FileName           string
	StoreID            string

	UtterancePath   string
	TranscribedPath string
}

// Extract pairs every transcribable utterance of tx with the reference
// utterance sharing its ID. A nil reference, a transcription marked
// nothingToTranscribe, or an empty annotation yields no records.
// Extract is pure: the same inputs always yield the same records.
func Extract(row report.Row, ref *Reference, tx *Transcription) []Record {
	if ref == nil || tx == nil {
		return nil
	}
	if tx.NothingToTranscribe || len(tx.Annotation) == 0 {
		return nil
	}

	byID := make(map[string]json.RawMessage, len(ref.Annotation))
	for _, utt := range ref.Annotation {
		byID[utteranceID(utt)] = utt
	}

	var records []Record
	for _, utt := range tx.Annotation[0] {
		if !transcribable(utt) {
			continue
		}
		id := utteranceID(utt)
		refUtt, ok := byID[id]
		if !ok {
			log.Warn().
				Str("unitId", row.Get(report.ColUnitID)).
				Str("utteranceId", id).
				Msg("Transcribed utterance has no reference match, skipping")
			continue
		}
		records = append(records, Record{
			SampleID: id,
			Reference: ReferenceSample{
				Annotation: [][]json.RawMessage{{refUtt}},
			},
			Transcribed: TranscribedSample{
				Annotation:     [][]json.RawMessage{{utt}},
				AbleToAnnotate: true,
			},
			WorkerID:           row.Get(report.ColWorkerID),
			UnitID:             row.Get(report.ColUnitID),
			CreatedAt:          row.Get(report.ColCreatedAt),
			AudioAnnotationURL: row.Get(report.ColAudioAnnotationURL),
			AudioURL:           row.Get(report.ColAudioURL),
			DisplayID:          row.Get(report.ColDisplayID),
			Duration:           row.Get(report.ColDuration),
			FileID:             row.Get(report.ColFileID),
			FileName:           row.Get(report.ColFileName),
			StoreID:            row.Get(report.ColStoreID),
		})
	}
	return records
}
