// Package cli holds the terminal output of the qa-bridge command.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fpang/transcription-qa-bridge/internal/auth"
	"github.com/fpang/transcription-qa-bridge/internal/dispatch"
	"github.com/fpang/transcription-qa-bridge/internal/store"
)

const rule = "--------------------------------------------"

// FormatDurationShort formats a duration as M:SS, or as milliseconds when
// it is under a second.
func FormatDurationShort(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	totalSeconds := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", totalSeconds/60, totalSeconds%60)
}

// PrintSummary writes one line per job of a sweep. In a dry run the QA
// CSV that would have been uploaded follows each job's line.
func PrintSummary(w io.Writer, summary dispatch.SweepSummary, dryRun bool) {
	fmt.Fprintln(w, "============================================")
	fmt.Fprintf(w, "Jobs: %d  succeeded: %d  failed: %d  skipped: %d\n",
		len(summary.Jobs), summary.Succeeded, summary.Failed, summary.Skipped)
	fmt.Fprintln(w, rule)
	for _, job := range summary.Jobs {
		res := job.Result
		if job.Err != nil {
			fmt.Fprintf(w, "%s  failed  %v\n", job.JobID, job.Err)
			continue
		}
		fmt.Fprintf(w, "%s  %s  qa=%s new=%d utterances=%d sampled=%d (%s)\n",
			job.JobID, res.Outcome, res.QAJobID, res.NewRows, res.Utterances, res.Sampled,
			FormatDurationShort(res.Duration))
		if dryRun && len(res.CSV) > 0 {
			fmt.Fprintln(w, rule)
			fmt.Fprint(w, string(res.CSV))
			fmt.Fprintln(w, rule)
		}
	}
}

// PrintHistory writes run records as a table, newest first.
func PrintHistory(w io.Writer, runs []store.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	fmt.Fprintf(w, "%-19s  %-8s  %-13s  %6s  %7s  %s\n", "STARTED", "TRIGGER", "OUTCOME", "ROWS", "SAMPLED", "ERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%-19s  %-8s  %-13s  %6d  %7d  %s\n",
			time.Unix(r.StartedAt, 0).UTC().Format(time.DateTime),
			r.Trigger, r.Outcome, r.NewRows, r.Sampled, r.Error)
	}
}

// KeyHint turns an API key resolution error into an actionable message.
// Other errors are returned unchanged.
func KeyHint(err error) error {
	var keyErr *auth.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	switch keyErr.Type {
	case auth.ErrTypeNoKey:
		return fmt.Errorf("no API key configured: set API_KEY, or SSM_API_KEY_PARAM with AWS credentials: %w", err)
	case auth.ErrTypeParamNotFound:
		return fmt.Errorf("API key parameter missing: create it or point SSM_API_KEY_PARAM elsewhere: %w", err)
	default:
		if strings.Contains(err.Error(), "AccessDenied") {
			return fmt.Errorf("not allowed to read the API key parameter, check IAM permissions: %w", err)
		}
		return err
	}
}
