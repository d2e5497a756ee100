package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv names the environment variable holding the log level.
const LevelEnv = "QA_BRIDGE_LOG_LEVEL"

// Init configures the global logger. QA_BRIDGE_LOG_LEVEL selects the level:
// debug, info, warn, error (default: info). Inside Lambda the output stays
// JSON for CloudWatch Logs Insights; elsewhere it is human-readable.
func Init() {
	zerolog.SetGlobalLevel(parseLevel(os.Getenv(LevelEnv)))

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// SetVerbose forces debug logging (CLI --verbose).
func SetVerbose() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
