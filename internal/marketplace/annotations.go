package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fpang/transcription-qa-bridge/internal/report"
)

// maxAnnotationBytes caps a single annotation document.
const maxAnnotationBytes = 16 << 20

// ResolveAnnotationURL turns an annotation reference into a fetchable URL.
// Descriptor URLs point at the marketplace's requestor proxy, which is not
// reachable with an API key; they are redirected to the public host and
// signed with the key. Direct URLs are used unchanged.
func (c *Client) ResolveAnnotationURL(ref report.AnnotationRef) string {
	if ref.Kind != report.RefDescriptor {
		return ref.URL
	}
	u := ref.URL
	if c.proxyHost != "" && c.publicHost != "" {
		u = strings.ReplaceAll(u, c.proxyHost, c.publicHost)
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "key=" + url.QueryEscape(c.apiKey)
}

// FetchAnnotation downloads the annotation document a report row points at.
// Calls are throttled by the client's annotation rate limit.
func (c *Client) FetchAnnotation(ctx context.Context, ref report.AnnotationRef) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("annotation rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResolveAnnotationURL(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("build annotation request: %w", redactKey(err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s annotation: %w", ref.Kind, redactKey(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnnotationBytes))
	if err != nil {
		return nil, fmt.Errorf("read annotation: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s annotation: status %d (body: %s)", ref.Kind, resp.StatusCode, truncate(string(body), maxBodyPreview))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetch %s annotation: response is not JSON", ref.Kind)
	}
	return body, nil
}
