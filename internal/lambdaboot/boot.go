// Package lambdaboot provides shared Lambda cold-start bootstrap logic.
//
// Both Lambdas need the same sequence: AWS config, process configuration,
// the marketplace API key from SSM when the caller's policy asks for it,
// the backing services, and a startup log line. Each step is fatal on failure because a Lambda that cannot
// initialize should fail its cold start visibly.
package lambdaboot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/app"
	"github.com/fpang/transcription-qa-bridge/internal/auth"
	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/logging"
)

// Build metadata, set via -ldflags at build time.
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// AWSClients holds the core AWS SDK clients used across Lambdas.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// LoadConfig reads the configuration from the environment. Fatals if it
// is invalid.
func LoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	return cfg
}

// LoadAPIKey fills cfg.APIKey from SSM Parameter Store if needKey asks for
// it and it is not already set. Fatals on error.
func LoadAPIKey(ssmClient *ssm.Client, cfg *config.Config, needKey auth.KeyPolicy) {
	if err := needKey.Resolve(context.Background(), cfg, ssmClient); err != nil {
		log.Fatal().Err(err).Str("param", cfg.APIKeyParam).Msg("Failed to load marketplace API key")
	}
}

// InitApp creates the backing services and assembles the App. Fatals on
// error.
func InitApp(awsCfg aws.Config, cfg *config.Config) *app.App {
	deps, err := app.NewDeps(awsCfg, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to initialize object store")
	}
	if deps.Leases == nil {
		log.Warn().Msg("LEASE_TABLE_NAME not set, runs are not serialized")
	}
	return app.New(cfg, deps)
}

// Boot runs the whole cold-start sequence and logs the startup line.
func Boot(name string, initStart time.Time, needKey auth.KeyPolicy) *app.App {
	logging.Init()
	clients := InitAWS()
	cfg := LoadConfig()
	LoadAPIKey(clients.SSM, cfg, needKey)
	a := InitApp(clients.Config, cfg)

	StartupLog(name, initStart).
		CommitHash(CommitHash).
		BuildTime(BuildTime).
		Bucket("qa", cfg.Bucket).
		Config("jobFolder", cfg.JobFolder).
		Config("storeBackend", cfg.StoreBackend).
		SSMParam("apiKey", cfg.APIKeyParam).
		DynamoTable("leases", cfg.LeaseTable).
		DynamoTable("runs", cfg.RunsTable).
		EventBus("notify", cfg.EventBus).
		LambdaFunc("kickoff", cfg.KickoffFunction).
		Feature("verifySignature", cfg.VerifySignature).
		Log()
	return a
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
