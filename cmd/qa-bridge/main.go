package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/transcription-qa-bridge/internal/app"
	"github.com/fpang/transcription-qa-bridge/internal/auth"
	"github.com/fpang/transcription-qa-bridge/internal/cli"
	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/logging"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
)

// CLI flags
var (
	configFlag  string
	envFileFlag string
	verboseFlag bool
	dryRunFlag  bool
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "qa-bridge",
	Short: "Sample transcription work into QA jobs",
	Long: `qa-bridge moves newly finished transcription work from origin jobs into
their paired QA jobs. For each registered origin job it downloads fresh
reports, picks the rows the QA job has not seen, samples utterances per
worker, hosts the sampled pairs in the object store and uploads a CSV batch
to the QA job.

Settings come from defaults, an optional YAML file (--config), and the
environment, which may be seeded from a .env file (--env-file).

Examples:
  qa-bridge run                      # sweep every registered job
  qa-bridge run 1500001 --dry-run    # one job, print the CSV, write nothing
  qa-bridge register 1500001
  qa-bridge list
  qa-bridge history 1500001 --limit 5
  qa-bridge serve --addr :8080`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
		if verboseFlag {
			logging.SetVerbose()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "Load environment variables from this .env file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, registerCmd, listCmd, historyCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig builds the configuration: defaults, then the YAML file, then
// the environment.
func loadConfig(configPath, envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}
	cfg := config.Default()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup assembles the App.
func setup(ctx context.Context, needKey auth.KeyPolicy) (*app.App, error) {
	cfg, err := loadConfig(configFlag, envFileFlag)
	if err != nil {
		return nil, err
	}
	cfg.DryRun = dryRunFlag

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if err := needKey.Resolve(ctx, cfg, ssm.NewFromConfig(awsCfg)); err != nil {
		return nil, cli.KeyHint(err)
	}

	deps, err := app.NewDeps(awsCfg, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DryRun {
		// Reads still hit the bucket; nothing is written anywhere.
		deps = app.Deps{Objects: objstore.NewOverlay(deps.Objects)}
		log.Info().Msg("Dry run: writes stay in memory, upload skipped")
	}
	return app.New(cfg, deps), nil
}
