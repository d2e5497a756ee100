// Package dispatch is the Lambda entry logic. It decodes the inbound event
// and either sweeps every registered origin job through the pipeline
// (scheduled trigger) or registers the job named by a marketplace webhook.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/metrics"
	"github.com/fpang/transcription-qa-bridge/internal/notify"
	"github.com/fpang/transcription-qa-bridge/internal/pipeline"
	"github.com/fpang/transcription-qa-bridge/internal/store"
)

// Trigger labels stored in run history.
const (
	TriggerSchedule = "schedule"
	TriggerKickoff  = "kickoff"
	TriggerManual   = "manual"
)

// Runner runs the pipeline for one origin job.
type Runner interface {
	Run(ctx context.Context, originJob string) (pipeline.Result, error)
}

// Registry tracks origin jobs.
type Registry interface {
	Register(ctx context.Context, jobID string) (bool, error)
	ListAll(ctx context.Context) ([]string, error)
}

// RunRecorder stores run history.
type RunRecorder interface {
	PutRun(ctx context.Context, rec *store.RunRecord) error
}

// Kicker starts an out-of-band run for one job.
type Kicker interface {
	Kick(ctx context.Context, jobID string) error
}

// Response is the Lambda return value.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

// Dispatcher routes decoded triggers.
type Dispatcher struct {
	runner   Runner
	registry Registry
	runs     RunRecorder
	kicker   Kicker

	apiKey          string
	verifySignature bool

	// metricsOut overrides the EMF destination (tests).
	metricsOut io.Writer
}

// New creates a Dispatcher.
func New(cfg *config.Config, runner Runner, registry Registry) *Dispatcher {
	return &Dispatcher{
		runner:          runner,
		registry:        registry,
		apiKey:          cfg.APIKey,
		verifySignature: cfg.VerifySignature,
	}
}

// WithRunHistory records every run.
func (d *Dispatcher) WithRunHistory(runs RunRecorder) *Dispatcher {
	d.runs = runs
	return d
}

// WithKicker starts a run right after a job is newly registered.
func (d *Dispatcher) WithKicker(k Kicker) *Dispatcher {
	d.kicker = k
	return d
}

// Handle is the Lambda handler. It never returns an error: failures are
// reported through the status code so the event is not retried.
func (d *Dispatcher) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	trigger, err := Decode(raw)
	if err != nil {
		log.Warn().Err(err).Int("eventSize", len(raw)).Msg("Rejecting undecodable event")
		return Response{StatusCode: http.StatusBadRequest, Body: err.Error()}, nil
	}

	switch trigger.Kind {
	case KindWebhook:
		return d.HandleWebhook(ctx, trigger.Webhook), nil
	default:
		label := TriggerSchedule
		if trigger.Source == notify.KickoffSource {
			label = TriggerKickoff
		}
		log.Info().Str("source", trigger.Source).Str("jobId", trigger.JobID).Msg("Timer trigger received")
		d.Sweep(ctx, trigger.JobID, label)
		return Response{StatusCode: http.StatusOK}, nil
	}
}

// HandleWebhook registers the job named in a webhook payload.
func (d *Dispatcher) HandleWebhook(ctx context.Context, hook *Webhook) Response {
	if d.verifySignature && !hook.VerifySignature(d.apiKey) {
		log.Warn().Str("signal", hook.Signal).Msg("Webhook signature rejected")
		return Response{StatusCode: http.StatusUnauthorized, Body: "invalid signature"}
	}

	jobID, err := hook.JobID()
	if err != nil {
		log.Warn().Err(err).Str("signal", hook.Signal).Msg("Webhook without job id")
		return Response{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}

	if _, err := d.RegisterJob(ctx, jobID); err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to register job")
		return Response{StatusCode: http.StatusInternalServerError, Body: "registration failed"}
	}
	log.Info().Str("jobId", jobID).Str("signal", hook.Signal).Msg("Webhook processed")
	return Response{StatusCode: http.StatusOK}
}

// RegisterJob adds jobID to the registry and, when it was not registered
// before, kicks off its first run. A failed kick-off is only logged: the
// next scheduled sweep picks the job up anyway.
func (d *Dispatcher) RegisterJob(ctx context.Context, jobID string) (bool, error) {
	newly, err := d.registry.Register(ctx, jobID)
	if err != nil {
		return false, err
	}
	if newly && d.kicker != nil {
		if err := d.kicker.Kick(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("jobId", jobID).Msg("Kick-off failed, job waits for next sweep")
		}
	}
	return newly, nil
}

// JobOutcome is one job's entry in a sweep summary.
type JobOutcome struct {
	JobID  string
	Result pipeline.Result
	Err    error
}

// SweepSummary reports a sweep.
type SweepSummary struct {
	Jobs      []JobOutcome
	Succeeded int
	Failed    int
	// Skipped counts jobs not started because ctx ended.
	Skipped int
}

// Sweep runs the pipeline for every registered job, or only for jobID when
// it is non-empty. Jobs run one after another; a failing job is logged and
// recorded and the sweep moves on.
func (d *Dispatcher) Sweep(ctx context.Context, jobID, trigger string) SweepSummary {
	var summary SweepSummary

	jobs := []string{jobID}
	if jobID == "" {
		var err error
		jobs, err = d.registry.ListAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list registered jobs")
			return summary
		}
	}
	log.Info().Int("jobs", len(jobs)).Str("trigger", trigger).Msg("Sweep started")

	for i, job := range jobs {
		if ctx.Err() != nil {
			summary.Skipped = len(jobs) - i
			log.Warn().Int("skipped", summary.Skipped).Msg("Sweep stopped, deadline reached")
			break
		}

		res, err := d.runner.Run(ctx, job)
		summary.Jobs = append(summary.Jobs, JobOutcome{JobID: job, Result: res, Err: err})
		if err != nil {
			summary.Failed++
			var evt *zerolog.Event
			if errors.Is(err, pipeline.ErrLeaseHeld) {
				evt = log.Warn()
			} else {
				evt = log.Error()
			}
			evt.Err(err).Str("jobId", job).Str("runId", res.RunID).Msg("Job run failed")
		} else {
			summary.Succeeded++
			log.Info().
				Str("jobId", job).
				Str("runId", res.RunID).
				Str("outcome", string(res.Outcome)).
				Int("sampled", res.Sampled).
				Dur("duration", res.Duration).
				Msg("Job run complete")
		}

		d.recordRun(ctx, trigger, job, res, err)
		d.emitMetrics(trigger, job, res, err)
	}

	log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Sweep finished")
	return summary
}

func outcomeOf(res pipeline.Result, err error) pipeline.Outcome {
	if err != nil {
		return pipeline.OutcomeFailed
	}
	return res.Outcome
}

func (d *Dispatcher) recordRun(ctx context.Context, trigger, job string, res pipeline.Result, runErr error) {
	if d.runs == nil {
		return
	}
	rec := &store.RunRecord{
		JobID:        job,
		RunID:        res.RunID,
		Trigger:      trigger,
		StartedAt:    res.StartedAt.Unix(),
		DurationMs:   res.Duration.Milliseconds(),
		Outcome:      string(outcomeOf(res, runErr)),
		QAJobID:      res.QAJobID,
		NewRows:      res.NewRows,
		Utterances:   res.Utterances,
		Sampled:      res.Sampled,
		UploadStatus: res.UploadStatus,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := d.runs.PutRun(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).Str("jobId", rec.JobID).Msg("Failed to record run")
	}
}

func (d *Dispatcher) emitMetrics(trigger, job string, res pipeline.Result, runErr error) {
	rec := metrics.New(metrics.Namespace)
	if d.metricsOut != nil {
		rec.Output(d.metricsOut)
	}
	rec.Dimension("Outcome", string(outcomeOf(res, runErr))).
		Count("Runs", 1).
		Count("NewRows", res.NewRows).
		Count("Utterances", res.Utterances).
		Count("Sampled", res.Sampled).
		Duration("RunDuration", res.Duration).
		Property("jobId", job).
		Property("runId", res.RunID).
		Property("trigger", trigger).
		Flush()
}
