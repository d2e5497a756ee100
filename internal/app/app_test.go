package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bucket = "qa-bucket"
	cfg.APIKey = "k"
	return cfg
}

func TestWebhookRegistersThroughMux(t *testing.T) {
	objects := objstore.NewMemory()
	a := New(testConfig(), Deps{Objects: objects})

	req := httptest.NewRequest(http.MethodPost, WebhookPath,
		strings.NewReader("signal=job_complete&payload=%7B%22job_id%22%3A1500001%7D&signature=x"))
	rr := httptest.NewRecorder()
	a.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	jobs, err := a.Registry.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0] != "1500001" {
		t.Errorf("expected registered job, got %v", jobs)
	}
}

func TestTimerWithNoJobs(t *testing.T) {
	a := New(testConfig(), Deps{Objects: objstore.NewMemory()})

	resp, err := a.Dispatcher.Handle(context.Background(), []byte(`{"source":"aws.events"}`))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected response %+v %v", resp, err)
	}
}

func TestNewDepsOptionalServices(t *testing.T) {
	awsCfg := aws.Config{Region: "us-east-1"}

	cfg := testConfig()
	deps, err := NewDeps(awsCfg, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deps.Objects == nil {
		t.Fatal("object store missing")
	}
	if deps.Leases != nil || deps.Runs != nil || deps.Events != nil || deps.Kicker != nil {
		t.Errorf("unconfigured services should be nil: %+v", deps)
	}

	cfg.LeaseTable = "leases"
	cfg.RunsTable = "runs"
	cfg.EventBus = "bus"
	cfg.KickoffFunction = "qa-bridge"
	deps, err = NewDeps(awsCfg, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deps.Leases == nil || deps.Runs == nil || deps.Events == nil || deps.Kicker == nil {
		t.Errorf("configured services missing: %+v", deps)
	}
}

func TestNewObjectStoreBackends(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = config.BackendMinio
	cfg.MinioEndpoint = "localhost:9000"

	s, err := NewObjectStore(aws.Config{}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*objstore.MinioStore); !ok {
		t.Errorf("expected MinioStore, got %T", s)
	}

	cfg.StoreBackend = "ftp"
	if _, err := NewObjectStore(aws.Config{}, cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}
