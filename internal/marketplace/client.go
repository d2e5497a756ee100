// Package marketplace is a client for the crowdsourcing marketplace REST API
// (Appen, formerly Figure Eight) used to move data between an origin
// transcription job and its QA job.
//
// Report exports are asynchronous on the marketplace side: a regenerate
// request queues a new export, and the CSV endpoint answers non-200 until
// the export is ready. Both calls are therefore polled with a fixed
// interval up to a bounded number of attempts.
//
// Endpoints (relative to the base URL, all authenticated with ?key=):
//
//	POST /jobs/{job}/regenerate?type=full|source
//	GET  /jobs/{job}.csv?type=full|source   (zip holding {f|source}{job}.csv)
//	POST /jobs/{job}/upload.json            (raw CSV body)
//	GET  /jobs/{job}.json                   ({"title": ...})
package marketplace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fpang/transcription-qa-bridge/internal/config"
)

const (
	// defaultTimeout is the per-request HTTP timeout. Report archives for
	// large jobs take a while to stream.
	defaultTimeout = 2 * time.Minute

	// maxBodyPreview bounds response text copied into errors and logs.
	maxBodyPreview = 200
)

// ErrRetriesExhausted is returned when a polled call never answered 200.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Client talks to the marketplace API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	proxyHost     string
	publicHost    string
	maxTries      int
	retryInterval time.Duration
	limiter       *rate.Limiter
}

// NewClient creates a marketplace client from the process configuration.
func NewClient(cfg *config.Config) *Client {
	limit := rate.Inf
	if cfg.AnnotationRPS > 0 {
		limit = rate.Limit(cfg.AnnotationRPS)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL:       cfg.APIBaseURL,
		apiKey:        cfg.APIKey,
		proxyHost:     cfg.ProxyHost,
		publicHost:    cfg.PublicHost,
		maxTries:      cfg.MaxTries,
		retryInterval: cfg.RetryInterval,
		limiter:       rate.NewLimiter(limit, 1),
	}
}

// --- Internal helpers ---

// send issues one request. The API key is added to the query string here
// so that endpoints logged elsewhere never carry it.
func (c *Client) send(ctx context.Context, method, endpoint string, params url.Values, body []byte, contentType string) (int, []byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.apiKey)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+params.Encode(), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", redactKey(err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		err = redactKey(err)
		log.Debug().Str("method", method).Str("path", endpoint).Dur("duration", duration).Err(err).Msg("Marketplace API response")
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().Str("method", method).Str("path", endpoint).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("Marketplace API response")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// redactKey masks the key query parameter in the URL a *url.Error carries.
// Other errors are returned unchanged.
func redactKey(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "(unparsable url)", Err: ue.Err}
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}

// poll repeats a request until it answers 200, sleeping retryInterval
// between attempts, for at most maxTries attempts. Transport errors count
// as failed attempts. Only context cancellation ends the loop early.
func (c *Client) poll(ctx context.Context, method, endpoint string, params url.Values) (body []byte, attempts, status int, err error) {
	for attempts < c.maxTries {
		attempts++
		var reqErr error
		status, body, reqErr = c.send(ctx, method, endpoint, params, nil, "")
		log.Debug().
			Str("path", endpoint).
			Int("attempt", attempts).
			Int("maxTries", c.maxTries).
			Int("statusCode", status).
			Msg("Poll attempt")
		if reqErr == nil && status == http.StatusOK {
			return body, attempts, status, nil
		}
		if ctx.Err() != nil {
			return nil, attempts, status, ctx.Err()
		}
		if attempts == c.maxTries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, attempts, status, ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
	return nil, attempts, status, fmt.Errorf("%s %s: %w after %d attempts (last status %d)",
		method, endpoint, ErrRetriesExhausted, attempts, status)
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
