// Package annotation decodes audio-transcription annotation documents and
// extracts per-utterance QA records from them.
//
// Two document shapes are involved:
//
//	transcription (origin job result): {"annotation": [[utt, ...]], "nothingToAnnotate": ..., "ableToAnnotate": ..., "nothingToTranscribe": ...}
//	reference (segmentation input):    {"annotation": [utt, ...]}
//
// Utterances are opaque JSON objects. Only "id" and "nothingToTranscribe"
// are interpreted; every other field is carried through unchanged.
package annotation

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Transcription is the annotation produced by an origin-job worker.
type Transcription struct {
	Annotation          [][]json.RawMessage `json:"annotation"`
	NothingToAnnotate   bool                `json:"nothingToAnnotate"`
	AbleToAnnotate      bool                `json:"ableToAnnotate"`
	NothingToTranscribe bool                `json:"nothingToTranscribe"`
}

// Reference is the segmentation the worker transcribed against.
type Reference struct {
	Annotation []json.RawMessage `json:"annotation"`
}

// DecodeTranscription parses a transcription document.
func DecodeTranscription(raw []byte) (*Transcription, error) {
	var tx Transcription
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transcription: %w", err)
	}
	return &tx, nil
}

// DecodeReference parses a reference document.
func DecodeReference(raw []byte) (*Reference, error) {
	var ref Reference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("decode reference: %w", err)
	}
	return &ref, nil
}

// IsEmptySentinel reports whether raw is exactly the document the
// marketplace tool emits when a worker marks a unit as having nothing to
// transcribe:
//
//	{"annotation": [], "nothingToAnnotate": false, "ableToAnnotate": false, "nothingToTranscribe": true}
func IsEmptySentinel(raw []byte) bool {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return false
	}
	keys := 0
	doc.ForEach(func(_, _ gjson.Result) bool {
		keys++
		return true
	})
	ann := doc.Get("annotation")
	return keys == 4 &&
		ann.IsArray() && len(ann.Array()) == 0 &&
		doc.Get("nothingToAnnotate").Type == gjson.False &&
		doc.Get("ableToAnnotate").Type == gjson.False &&
		doc.Get("nothingToTranscribe").Type == gjson.True
}

// utteranceID returns the stable ID pairing reference and transcribed
// utterances. Numeric and string IDs are both rendered as text.
func utteranceID(utt json.RawMessage) string {
	return gjson.GetBytes(utt, "id").String()
}

func transcribable(utt json.RawMessage) bool {
	return !gjson.GetBytes(utt, "nothingToTranscribe").Bool()
}
