package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/transcription-qa-bridge/internal/auth"
	"github.com/fpang/transcription-qa-bridge/internal/cli"
	"github.com/fpang/transcription-qa-bridge/internal/dispatch"
	"github.com/fpang/transcription-qa-bridge/internal/report"
)

var (
	historyLimitFlag int
	addrFlag         string
)

var runCmd = &cobra.Command{
	Use:   "run [job-id]",
	Short: "Run the pipeline for one job or every registered job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx, auth.KeyAlways)
		if err != nil {
			return err
		}
		var jobID string
		if len(args) == 1 {
			jobID = report.NormalizeJobID(args[0])
		}

		summary := a.Dispatcher.Sweep(ctx, jobID, dispatch.TriggerManual)
		cli.PrintSummary(os.Stdout, summary, a.Config.DryRun)
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d job(s) failed", summary.Failed, len(summary.Jobs))
		}
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <job-id>",
	Short: "Register an origin job for scheduled sampling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), auth.KeyNever)
		if err != nil {
			return err
		}
		jobID := report.NormalizeJobID(args[0])
		newly, err := a.Dispatcher.RegisterJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if newly {
			fmt.Printf("Registered job %s\n", jobID)
		} else {
			fmt.Printf("Job %s was already registered\n", jobID)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered origin jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), auth.KeyNever)
		if err != nil {
			return err
		}
		jobs, err := a.Registry.ListAll(cmd.Context())
		if err != nil {
			return err
		}
		for _, job := range jobs {
			fmt.Println(job)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show recent runs of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), auth.KeyNever)
		if err != nil {
			return err
		}
		if a.Runs == nil {
			return errors.New("run history is not configured (RUNS_TABLE_NAME)")
		}
		runs, err := a.Runs.ListRuns(cmd.Context(), report.NormalizeJobID(args[0]), historyLimitFlag)
		if err != nil {
			return err
		}
		cli.PrintHistory(os.Stdout, runs)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook endpoint over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx, auth.KeyForSigning)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              addrFlag,
			Handler:           a.Mux(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", addrFlag).Msg("Serving webhook")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Skip the upload, keep hosted samples in memory and print the CSV")
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 20, "Maximum runs to show")
	serveCmd.Flags().StringVar(&addrFlag, "addr", ":8080", "Listen address")
}
