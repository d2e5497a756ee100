// Package auth resolves the marketplace API key.
//
// Priority order:
//  1. The configured key (API_KEY environment variable or config file)
//  2. SSM Parameter Store, at the configured parameter name
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/config"
)

// KeyError represents a specific type of API key resolution failure.
type KeyError struct {
	Type    KeyErrorType
	Message string
	Err     error
}

// KeyErrorType categorizes resolution failures.
type KeyErrorType int

const (
	// ErrTypeNoKey indicates no key and no parameter to read it from.
	ErrTypeNoKey KeyErrorType = iota
	// ErrTypeParamNotFound indicates the SSM parameter does not exist.
	ErrTypeParamNotFound
	// ErrTypeParamUnreadable indicates any other SSM failure.
	ErrTypeParamUnreadable
)

func (e *KeyError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// ParameterGetter is the SSM call used to read the key.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

var _ ParameterGetter = (*ssm.Client)(nil)

// ResolveAPIKey fills cfg.APIKey. A key already present wins; otherwise
// the key is read from cfg.APIKeyParam. ssmClient may be nil when no AWS
// credentials are available.
func ResolveAPIKey(ctx context.Context, cfg *config.Config, ssmClient ParameterGetter) error {
	if cfg.APIKey != "" {
		log.Debug().Msg("Using API key from configuration")
		return nil
	}
	if cfg.APIKeyParam == "" || ssmClient == nil {
		return &KeyError{
			Type:    ErrTypeNoKey,
			Message: "API key not found. Set API_KEY or SSM_API_KEY_PARAM",
		}
	}

	start := time.Now()
	out, err := ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.APIKeyParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return &KeyError{Type: ErrTypeParamNotFound, Message: "API key parameter " + cfg.APIKeyParam + " does not exist", Err: err}
		}
		return &KeyError{Type: ErrTypeParamUnreadable, Message: "failed to read API key parameter " + cfg.APIKeyParam, Err: err}
	}
	if out.Parameter == nil || strings.TrimSpace(aws.ToString(out.Parameter.Value)) == "" {
		return &KeyError{Type: ErrTypeNoKey, Message: "API key parameter " + cfg.APIKeyParam + " is empty"}
	}

	cfg.APIKey = strings.TrimSpace(aws.ToString(out.Parameter.Value))
	log.Debug().Str("param", cfg.APIKeyParam).Dur("elapsed", time.Since(start)).Msg("API key loaded from SSM")
	return nil
}

// KeyPolicy decides whether a binary needs the marketplace API key.
type KeyPolicy func(cfg *config.Config) bool

// KeyAlways is the policy of anything that calls the marketplace.
func KeyAlways(*config.Config) bool { return true }

// KeyNever is the policy of commands that only touch the registry or run history.
func KeyNever(*config.Config) bool { return false }

// KeyForSigning needs the key only to check webhook signatures.
func KeyForSigning(cfg *config.Config) bool { return cfg.VerifySignature }

// Resolve runs ResolveAPIKey when the policy asks for the key.
func (p KeyPolicy) Resolve(ctx context.Context, cfg *config.Config, ssmClient ParameterGetter) error {
	if !p(cfg) {
		log.Debug().Msg("API key not required")
		return nil
	}
	return ResolveAPIKey(ctx, cfg, ssmClient)
}
