// Package notify tells the rest of the platform what the pipeline did:
// an EventBridge event per uploaded QA batch, and an asynchronous Lambda
// invoke that runs a freshly registered job without waiting for the next
// scheduled sweep.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	// Source is the EventBridge source of every event this service emits.
	Source = "transcription-qa-bridge"

	detailTypeBatchUploaded = "QABatchUploaded"
)

// BatchUploaded is the detail of a QABatchUploaded event.
type BatchUploaded struct {
	OriginJobID  string `json:"originJobId"`
	QAJobID      string `json:"qaJobId"`
	RunID        string `json:"runId"`
	Rows         int    `json:"rows"`
	Utterances   int    `json:"utterances"`
	Sampled      int    `json:"sampled"`
	UploadStatus int    `json:"uploadStatus"`
}

type putEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Emitter publishes pipeline events to an event bus.
type Emitter struct {
	client  putEventsAPI
	busName string
}

// NewEmitter creates an Emitter. An empty busName uses the default bus.
func NewEmitter(client *eventbridge.Client, busName string) *Emitter {
	return &Emitter{client: client, busName: busName}
}

// EmitBatchUploaded publishes a QABatchUploaded event.
func (e *Emitter) EmitBatchUploaded(ctx context.Context, event BatchUploaded) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailTypeBatchUploaded, err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailTypeBatchUploaded),
		Detail:     aws.String(string(detail)),
	}
	if e.busName != "" {
		entry.EventBusName = aws.String(e.busName)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("jobId", event.OriginJobID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, failed := range result.Entries {
			if failed.ErrorCode != nil || failed.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(failed.ErrorCode)).
					Str("errorMessage", aws.ToString(failed.ErrorMessage)).
					Str("jobId", event.OriginJobID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(failed.ErrorCode), aws.ToString(failed.ErrorMessage))
			}
		}
	}

	log.Debug().Str("jobId", event.OriginJobID).Str("qaJobId", event.QAJobID).Msg("QABatchUploaded emitted to EventBridge")
	return nil
}
