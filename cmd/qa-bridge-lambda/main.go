// Package main provides the Lambda entry point for the QA bridge.
//
// One function serves three event shapes:
//   - EventBridge schedule: sweep every registered origin job
//   - Kick-off invocation {"source":"qa-bridge.register","job_id":...}:
//     run one newly registered job
//   - Function URL webhook (base64 form body): register the job
//
// The handler never returns an error, so asynchronous invocations are not
// retried by Lambda; failures are logged and reported in run history.
package main

import (
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/fpang/transcription-qa-bridge/internal/app"
	"github.com/fpang/transcription-qa-bridge/internal/auth"
	"github.com/fpang/transcription-qa-bridge/internal/lambdaboot"
)

var bridge *app.App

func init() {
	bridge = lambdaboot.Boot("qa-bridge-lambda", time.Now(), auth.KeyAlways)
}

func main() {
	lambda.Start(bridge.Dispatcher.Handle)
}
