package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"
)

// KickoffSource marks a timer-shaped event that targets a single job.
const KickoffSource = "qa-bridge.register"

// KickoffEvent is the payload sent to the pipeline function after a new
// registration. It decodes as a timer trigger restricted to JobID.
type KickoffEvent struct {
	Source string `json:"source"`
	JobID  string `json:"job_id"`
}

type invokeAPI interface {
	Invoke(ctx context.Context, in *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

// Kicker starts a pipeline run for one job asynchronously.
type Kicker struct {
	client       invokeAPI
	functionName string
}

// NewKicker creates a Kicker that invokes functionName.
func NewKicker(client *lambdasvc.Client, functionName string) *Kicker {
	return &Kicker{client: client, functionName: functionName}
}

// Kick invokes the pipeline function with InvocationType=Event, so the call
// returns as soon as Lambda has queued the event.
func (k *Kicker) Kick(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(KickoffEvent{Source: KickoffSource, JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal kickoff event: %w", err)
	}

	_, err = k.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(k.functionName),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Str("function", k.functionName).Msg("Failed to invoke pipeline Lambda")
		return fmt.Errorf("invoke %s: %w", k.functionName, err)
	}

	log.Debug().Str("jobId", jobID).Str("function", k.functionName).Msg("Pipeline Lambda invoked asynchronously")
	return nil
}
