// Package main provides an HTTP Lambda for marketplace job webhooks.
//
// It serves the same webhook contract as qa-bridge-lambda but through the
// standard net/http handler behind API Gateway or a Function URL:
//   - POST /webhook: form body signal=...&payload=...&signature=...
//   - GET /webhook: liveness probe
//
// New registrations kick off a run on KICKOFF_FUNCTION_NAME when set.
package main

import (
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/app"
	"github.com/fpang/transcription-qa-bridge/internal/auth"
	"github.com/fpang/transcription-qa-bridge/internal/lambdaboot"
)

var bridge *app.App

func init() {
	bridge = lambdaboot.Boot("webhook-lambda", time.Now(), auth.KeyForSigning)
	log.Info().Str("path", app.WebhookPath).Msg("Webhook handler initialized")
}

func main() {
	adapter := httpadapter.NewV2(bridge.Mux())
	lambda.Start(adapter.ProxyWithContext)
}
