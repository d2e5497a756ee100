// Package pipeline runs one origin job through the QA sampling flow:
//
//	origin full report ─► new rows since the QA high-water mark
//	  ─► transcription + reference annotations ─► utterance pairs
//	  ─► per-worker sample ─► hosted JSON pairs ─► QA CSV upload
//
// Every step is a hard gate. A failing step aborts the run for this job
// only and is reported as a typed error; the caller decides whether to go
// on with other jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/annotation"
	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/marketplace"
	"github.com/fpang/transcription-qa-bridge/internal/notify"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
	"github.com/fpang/transcription-qa-bridge/internal/report"
	"github.com/fpang/transcription-qa-bridge/internal/sampling"
	"github.com/fpang/transcription-qa-bridge/internal/store"
)

var (
	ErrEmptyReport     = errors.New("origin report is empty")
	ErrNoHighWaterMark = errors.New("qa report has rows but no parsable orig_created_at")
	ErrUploadRejected  = errors.New("qa upload rejected")

	// Re-exported so callers only need this package to classify failures.
	ErrMissingQAJob      = report.ErrMissingQAJob
	ErrMissingSampleRate = report.ErrMissingSampleRate
	ErrLeaseHeld         = store.ErrLeaseHeld
)

// Outcome is how a successful run ended.
type Outcome string

const (
	OutcomeUploaded     Outcome = "uploaded"
	OutcomeNothingNew   Outcome = "nothing-new"
	OutcomeNoUtterances Outcome = "no-utterances"
	OutcomeDryRun       Outcome = "dry-run"
	// OutcomeFailed is never returned by Run; callers use it to record errors.
	OutcomeFailed Outcome = "failed"
)

// Marketplace is the subset of the marketplace client the pipeline uses.
type Marketplace interface {
	Regenerate(ctx context.Context, jobID string, typ report.Type) (marketplace.RegenerateResult, error)
	FetchReport(ctx context.Context, jobID string, typ report.Type) (*report.Table, error)
	Upload(ctx context.Context, jobID string, csv []byte) (*marketplace.UploadResponse, error)
	JobTitle(ctx context.Context, jobID string) (string, error)
	FetchAnnotation(ctx context.Context, ref report.AnnotationRef) ([]byte, error)
}

// Leaser grants exclusive per-job leases.
type Leaser interface {
	AcquireLease(ctx context.Context, jobID string) (*store.Lease, error)
	ReleaseLease(ctx context.Context, lease *store.Lease) error
}

// Notifier is told about every uploaded batch.
type Notifier interface {
	EmitBatchUploaded(ctx context.Context, event notify.BatchUploaded) error
}

// Result summarises one run. It is filled as far as the run got, so it is
// meaningful alongside an error too.
type Result struct {
	RunID        string
	OriginJobID  string
	QAJobID      string
	Outcome      Outcome
	StartedAt    time.Time
	Duration     time.Duration
	OriginRows   int
	NewRows      int
	Transcribed  int
	Utterances   int
	Sampled      int
	UploadStatus int
	// CSV is the QA batch that was (or in a dry run would have been) uploaded.
	CSV []byte
}

// Runner executes pipeline runs. It is safe to reuse across jobs but runs
// one job at a time.
type Runner struct {
	api      Marketplace
	store    objstore.Store
	leases   Leaser
	notifier Notifier

	bucket     string
	qaPrefix   string
	resultsCol string
	maxNewRows int
	seed       uint64
	dryRun     bool

	now func() time.Time
}

// NewRunner creates a Runner from the process configuration.
func NewRunner(cfg *config.Config, api Marketplace, objects objstore.Store) *Runner {
	return &Runner{
		api:        api,
		store:      objects,
		bucket:     cfg.Bucket,
		qaPrefix:   cfg.QAPrefix,
		resultsCol: cfg.ResultsHeader,
		maxNewRows: cfg.MaxNewRows,
		seed:       cfg.SampleSeed,
		dryRun:     cfg.DryRun,
		now:        time.Now,
	}
}

// WithLeases enables the per-job lease.
func (r *Runner) WithLeases(l Leaser) *Runner {
	r.leases = l
	return r
}

// WithNotifier enables batch notifications.
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// Run processes one origin job.
func (r *Runner) Run(ctx context.Context, originJob string) (res Result, err error) {
	res = Result{
		RunID:       uuid.New().String(),
		OriginJobID: originJob,
		StartedAt:   r.now(),
	}
	logger := log.With().Str("jobId", originJob).Str("runId", res.RunID).Logger()
	defer func() {
		res.Duration = r.now().Sub(res.StartedAt)
	}()

	// Step 0: lease.
	if r.leases != nil {
		lease, err := r.leases.AcquireLease(ctx, originJob)
		if err != nil {
			return res, err
		}
		defer func() {
			// Release even when ctx is already done.
			if relErr := r.leases.ReleaseLease(context.WithoutCancel(ctx), lease); relErr != nil {
				logger.Warn().Err(relErr).Msg("Failed to release lease")
			}
		}()
	}

	// Steps 1-2: origin report and its QA link.
	origin, err := r.fetchFresh(ctx, originJob, report.Full)
	if err != nil {
		return res, err
	}
	res.OriginRows = origin.Len()
	if origin.Len() == 0 {
		return res, fmt.Errorf("job %s: %w", originJob, ErrEmptyReport)
	}

	qaJob, rate, err := origin.QALink()
	if err != nil {
		return res, fmt.Errorf("job %s: %w", originJob, err)
	}
	res.QAJobID = qaJob
	logger.Info().Str("qaJobId", qaJob).Float64("sampleRate", rate).Int("originRows", origin.Len()).Msg("Origin report loaded")

	// Step 3: rows newer than anything already in the QA job.
	qa, err := r.fetchFresh(ctx, qaJob, report.Source)
	if err != nil {
		return res, err
	}
	var rows []report.Row
	if qa.Len() > 0 {
		mark, ok := report.HighWaterMark(qa)
		if !ok {
			return res, fmt.Errorf("qa job %s: %w", qaJob, ErrNoHighWaterMark)
		}
		logger.Info().Time("highWaterMark", mark).Int("qaRows", qa.Len()).Msg("QA high-water mark")
		rows = report.NewSince(origin.Rows, mark, r.maxNewRows)
		if len(rows) == 0 {
			logger.Info().Msg("No new rows to sample")
			res.Outcome = OutcomeNothingNew
			return res, nil
		}
	} else {
		logger.Info().Str("qaJobId", qaJob).Msg("QA job has no rows yet, taking every origin row")
		rows = report.SortByCreated(origin.Rows)
	}
	res.NewRows = len(rows)

	// Steps 4-6: annotations to utterance records.
	records, transcribed, err := r.collectRecords(ctx, rows)
	if err != nil {
		return res, err
	}
	res.Transcribed = transcribed
	res.Utterances = len(records)
	if len(records) == 0 {
		logger.Info().Int("rows", len(rows)).Msg("No transcribable utterances in new rows")
		res.Outcome = OutcomeNoUtterances
		return res, nil
	}

	// Step 8: sample.
	sampled := sampling.Stratified(records, func(rec annotation.Record) string { return rec.WorkerID }, rate, r.seed)
	res.Sampled = len(sampled)
	logger.Info().Int("utterances", len(records)).Int("sampled", len(sampled)).Float64("sampleRate", rate).Msg("Utterances sampled")

	// Step 9: host the pairs.
	if err := r.hostSamples(ctx, originJob, sampled); err != nil {
		return res, err
	}

	// Step 10: build and upload the QA batch.
	title, err := r.api.JobTitle(ctx, originJob)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger.Warn().Err(err).Msg("Job title lookup failed, leaving from_job_name blank")
	}
	res.CSV, err = BuildQACSV(sampled, originJob, title)
	if err != nil {
		return res, err
	}

	if r.dryRun {
		logger.Info().Str("qaJobId", qaJob).Int("rows", len(sampled)).Int("bytes", len(res.CSV)).Msg("Dry run, upload skipped")
		res.Outcome = OutcomeDryRun
		return res, nil
	}

	upload, err := r.api.Upload(ctx, qaJob, res.CSV)
	if err != nil {
		return res, err
	}
	res.UploadStatus = upload.StatusCode
	if !upload.OK() {
		return res, fmt.Errorf("qa job %s: %w: status %d", qaJob, ErrUploadRejected, upload.StatusCode)
	}
	logger.Info().Str("qaJobId", qaJob).Int("rows", len(sampled)).Int("statusCode", upload.StatusCode).Msg("QA batch uploaded")

	// Step 11: announce.
	if r.notifier != nil {
		if err := r.notifier.EmitBatchUploaded(ctx, notify.BatchUploaded{
			OriginJobID:  originJob,
			QAJobID:      qaJob,
			RunID:        res.RunID,
			Rows:         res.NewRows,
			Utterances:   res.Utterances,
			Sampled:      res.Sampled,
			UploadStatus: res.UploadStatus,
		}); err != nil {
			logger.Warn().Err(err).Msg("Batch notification failed")
		}
	}

	res.Outcome = OutcomeUploaded
	return res, nil
}

// fetchFresh regenerates a report and downloads it. A regenerate that never
// succeeds is logged and the download proceeds, since the last export may
// still be current.
func (r *Runner) fetchFresh(ctx context.Context, jobID string, typ report.Type) (*report.Table, error) {
	regen, err := r.api.Regenerate(ctx, jobID, typ)
	if err != nil {
		return nil, err
	}
	if !regen.OK {
		log.Warn().Str("jobId", jobID).Str("type", string(typ)).Int("attempts", regen.Attempts).Msg("Using last available export")
	}
	return r.api.FetchReport(ctx, jobID, typ)
}
