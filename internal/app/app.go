// Package app wires the QA bridge components together. Both Lambda entry
// points and the CLI build an App from a Config and a set of backing
// services, so every binary runs the same dispatcher and pipeline.
package app

import (
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/dispatch"
	"github.com/fpang/transcription-qa-bridge/internal/marketplace"
	"github.com/fpang/transcription-qa-bridge/internal/notify"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
	"github.com/fpang/transcription-qa-bridge/internal/pipeline"
	"github.com/fpang/transcription-qa-bridge/internal/registry"
	"github.com/fpang/transcription-qa-bridge/internal/store"
	"github.com/fpang/transcription-qa-bridge/internal/webhook"
)

// WebhookPath is where the HTTP webhook is mounted.
const WebhookPath = "/webhook"

// Deps are the backing services. Objects is required; the rest are
// optional and left nil when not configured.
type Deps struct {
	Objects objstore.Store
	Leases  *store.LeaseStore
	Runs    *store.RunStore
	Events  *notify.Emitter
	Kicker  *notify.Kicker
}

// App is the assembled bridge.
type App struct {
	Config     *config.Config
	Client     *marketplace.Client
	Registry   *registry.Registry
	Runner     *pipeline.Runner
	Dispatcher *dispatch.Dispatcher
	Webhook    *webhook.Handler
	// Runs is nil when run history is not configured.
	Runs *store.RunStore
}

// New assembles an App. Optional services are attached only when present
// so no typed-nil pointer ends up behind an interface.
func New(cfg *config.Config, deps Deps) *App {
	client := marketplace.NewClient(cfg)
	reg := registry.New(deps.Objects, cfg.Bucket, cfg.JobFolder)

	runner := pipeline.NewRunner(cfg, client, deps.Objects)
	if deps.Leases != nil {
		runner.WithLeases(deps.Leases)
	}
	if deps.Events != nil {
		runner.WithNotifier(deps.Events)
	}

	d := dispatch.New(cfg, runner, reg)
	if deps.Runs != nil {
		d.WithRunHistory(deps.Runs)
	}
	if deps.Kicker != nil {
		d.WithKicker(deps.Kicker)
	}

	return &App{
		Config:     cfg,
		Client:     client,
		Registry:   reg,
		Runner:     runner,
		Dispatcher: d,
		Webhook:    webhook.NewHandler(d),
		Runs:       deps.Runs,
	}
}

// Mux serves the webhook over HTTP.
func (a *App) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(WebhookPath, a.Webhook)
	return mux
}

// NewObjectStore creates the configured object store backend.
func NewObjectStore(awsCfg aws.Config, cfg *config.Config) (objstore.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendS3:
		return objstore.NewS3Store(s3.NewFromConfig(awsCfg)), nil
	case config.BackendMinio:
		m, err := objstore.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewDeps creates every backing service cfg names. Services whose table,
// bus or function is not configured stay nil.
func NewDeps(awsCfg aws.Config, cfg *config.Config) (Deps, error) {
	objects, err := NewObjectStore(awsCfg, cfg)
	if err != nil {
		return Deps{}, err
	}
	deps := Deps{Objects: objects}

	if cfg.LeaseTable != "" || cfg.RunsTable != "" {
		ddb := dynamodb.NewFromConfig(awsCfg)
		if cfg.LeaseTable != "" {
			deps.Leases = store.NewLeaseStore(ddb, cfg.LeaseTable, cfg.LeaseTTL)
		}
		if cfg.RunsTable != "" {
			deps.Runs = store.NewRunStore(ddb, cfg.RunsTable)
		}
	}
	if cfg.EventBus != "" {
		deps.Events = notify.NewEmitter(eventbridge.NewFromConfig(awsCfg), cfg.EventBus)
	}
	if cfg.KickoffFunction != "" {
		deps.Kicker = notify.NewKicker(lambdasvc.NewFromConfig(awsCfg), cfg.KickoffFunction)
	}
	return deps, nil
}
