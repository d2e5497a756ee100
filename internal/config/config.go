// Package config holds the process-wide settings for the QA bridge.
//
// A Config is built once at process entry (Lambda init or CLI startup) and
// passed by pointer to every component. Business logic never reads the
// environment directly.
//
// Sources, lowest to highest precedence:
//  1. Defaults (Default)
//  2. Optional YAML file (LoadFile), used by the CLI --config flag
//  3. Environment variables (ApplyEnv), optionally seeded from a .env file
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// Config is the explicit configuration passed to every component.
type Config struct {
	// APIKey is the marketplace credential. Never logged.
	APIKey string `yaml:"apiKey"`
	// APIKeyParam is the SSM parameter consulted when APIKey is empty.
	APIKeyParam string `yaml:"apiKeyParam"`

	APIBaseURL string `yaml:"apiBaseURL"`
	// ProxyHost is rewritten to PublicHost in annotation descriptor URLs.
	ProxyHost  string `yaml:"proxyHost"`
	PublicHost string `yaml:"publicHost"`

	// MaxTries bounds regenerate and report download attempts.
	MaxTries      int           `yaml:"maxTries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	// AnnotationRPS throttles annotation fetches; 0 disables throttling.
	AnnotationRPS float64 `yaml:"annotationRPS"`

	Bucket        string `yaml:"bucket"`
	JobFolder     string `yaml:"jobFolder"`
	QAPrefix      string `yaml:"qaPrefix"`
	ResultsHeader string `yaml:"resultsHeader"`
	MaxNewRows    int    `yaml:"maxNewRows"`
	SampleSeed    uint64 `yaml:"sampleSeed"`

	VerifySignature bool `yaml:"verifySignature"`

	StoreBackend   string `yaml:"storeBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	LeaseTable string        `yaml:"leaseTable"`
	LeaseTTL   time.Duration `yaml:"leaseTTL"`
	RunsTable  string        `yaml:"runsTable"`

	EventBus        string `yaml:"eventBus"`
	KickoffFunction string `yaml:"kickoffFunction"`

	// DryRun skips the QA upload. Set by the CLI only.
	DryRun bool `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		APIKeyParam:   "/qa-bridge/prod/appen-api-key",
		APIBaseURL:    "https://api.appen.com/v1",
		ProxyHost:     "requestor-proxy.appen.com",
		PublicHost:    "api-beta.appen.com",
		MaxTries:      200,
		RetryInterval: time.Second,
		JobFolder:     "source_jobs/dev",
		QAPrefix:      "QL1/QA",
		ResultsHeader: "tx_work",
		MaxNewRows:    250,
		SampleSeed:    1,
		StoreBackend:  BackendS3,
		LeaseTTL:      15 * time.Minute,
	}
}

// Load builds a Config from defaults and the process environment.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile seeds the process environment from a .env file. Variables
// already set in the environment are not overridden.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadFile overlays settings from a YAML file. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays settings from environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.APIKey, "API_KEY")
	setString(&c.APIKeyParam, "SSM_API_KEY_PARAM")
	setString(&c.APIBaseURL, "API_BASE_URL")
	setString(&c.ProxyHost, "PROXY_HOST")
	setString(&c.PublicHost, "PUBLIC_HOST")
	setString(&c.Bucket, "QA_BUCKET_NAME")
	setString(&c.JobFolder, "JOB_FOLDER")
	setString(&c.QAPrefix, "QA_PREFIX")
	setString(&c.ResultsHeader, "RESULTS_HEADER")
	setString(&c.StoreBackend, "STORE_BACKEND")
	setString(&c.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&c.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&c.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&c.LeaseTable, "LEASE_TABLE_NAME")
	setString(&c.RunsTable, "RUNS_TABLE_NAME")
	setString(&c.EventBus, "EVENT_BUS_NAME")
	setString(&c.KickoffFunction, "KICKOFF_FUNCTION_NAME")

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	collect(setInt(&c.MaxTries, "MAX_TRIES"))
	collect(setInt(&c.MaxNewRows, "MAX_NEW_ROWS"))
	collect(setUint(&c.SampleSeed, "SAMPLE_SEED"))
	collect(setFloat(&c.AnnotationRPS, "ANNOTATION_RPS"))
	collect(setDuration(&c.RetryInterval, "RETRY_INTERVAL"))
	collect(setDuration(&c.LeaseTTL, "LEASE_TTL"))
	collect(setBool(&c.VerifySignature, "VERIFY_SIGNATURE"))
	collect(setBool(&c.MinioUseSSL, "MINIO_USE_SSL"))

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate reports settings that would make the pipeline unusable.
// The API key is checked separately because it may arrive from SSM.
func (c *Config) Validate() error {
	switch {
	case c.Bucket == "":
		return fmt.Errorf("bucket is required (QA_BUCKET_NAME)")
	case c.JobFolder == "":
		return fmt.Errorf("job folder must not be empty")
	case c.MaxTries < 1:
		return fmt.Errorf("max tries must be at least 1, got %d", c.MaxTries)
	case c.RetryInterval < 0:
		return fmt.Errorf("retry interval must not be negative")
	case c.MaxNewRows < 1:
		return fmt.Errorf("max new rows must be at least 1, got %d", c.MaxNewRows)
	case c.AnnotationRPS < 0:
		return fmt.Errorf("annotation rps must not be negative")
	}
	switch c.StoreBackend {
	case BackendS3:
	case BackendMinio:
		if c.MinioEndpoint == "" {
			return fmt.Errorf("minio backend requires MINIO_ENDPOINT")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setUint(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
