package marketplace

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/fpang/transcription-qa-bridge/internal/report"
)

// RegenerateResult describes the outcome of a regenerate request. An
// exhausted regenerate is not an error: the previous export may still be
// usable, so callers decide whether to gate on OK.
type RegenerateResult struct {
	JobID      string
	Type       report.Type
	Attempts   int
	StatusCode int
	OK         bool
}

// Regenerate asks the marketplace to rebuild a job report. It only returns
// an error when ctx is cancelled.
func (c *Client) Regenerate(ctx context.Context, jobID string, typ report.Type) (RegenerateResult, error) {
	endpoint := fmt.Sprintf("/jobs/%s/regenerate", url.PathEscape(jobID))
	_, attempts, status, err := c.poll(ctx, http.MethodPost, endpoint, url.Values{"type": {string(typ)}})

	result := RegenerateResult{
		JobID:      jobID,
		Type:       typ,
		Attempts:   attempts,
		StatusCode: status,
		OK:         err == nil,
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("regenerate %s report for job %s: %w", typ, jobID, ctx.Err())
	}
	if result.OK {
		log.Info().Str("jobId", jobID).Str("type", string(typ)).Int("attempts", attempts).Msg("Report regenerated")
	} else {
		log.Warn().Str("jobId", jobID).Str("type", string(typ)).Int("attempts", attempts).Int("lastStatus", status).Msg("Report regeneration never succeeded")
	}
	return result, nil
}

// FetchReport downloads a job report export and parses the CSV inside it.
// If the export never becomes available the error wraps ErrRetriesExhausted.
func (c *Client) FetchReport(ctx context.Context, jobID string, typ report.Type) (*report.Table, error) {
	endpoint := fmt.Sprintf("/jobs/%s.csv", url.PathEscape(jobID))
	body, attempts, _, err := c.poll(ctx, http.MethodGet, endpoint, url.Values{"type": {string(typ)}})
	if err != nil {
		return nil, fmt.Errorf("download %s report for job %s: %w", typ, jobID, err)
	}
	log.Info().Str("jobId", jobID).Str("type", string(typ)).Int("attempts", attempts).Int("bytes", len(body)).Msg("Report downloaded")

	table, err := readArchive(body, typ.ArchiveName(jobID))
	if err != nil {
		return nil, fmt.Errorf("%s report for job %s: %w", typ, jobID, err)
	}
	log.Debug().Str("jobId", jobID).Str("type", string(typ)).Int("rows", table.Len()).Msg("Report parsed")
	return table, nil
}

// readArchive opens a report zip and parses the named CSV entry. When the
// entry is missing, the first CSV in the archive is used instead.
func readArchive(data []byte, name string) (*report.Table, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open report archive: %w", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	var entry *zip.File
	for _, f := range zr.File {
		if path.Base(f.Name) == name {
			entry = f
			break
		}
	}
	if entry == nil {
		for _, f := range zr.File {
			if strings.EqualFold(path.Ext(f.Name), ".csv") {
				log.Warn().Str("expected", name).Str("found", f.Name).Msg("Report entry name mismatch, using first CSV")
				entry = f
				break
			}
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("report archive has no csv entry (expected %s)", name)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", entry.Name, err)
	}
	defer rc.Close()
	return report.ParseCSV(rc)
}

// UploadResponse is the raw marketplace answer to a bulk upload.
type UploadResponse struct {
	StatusCode int
	Body       string
}

// OK reports a 2xx status.
func (r *UploadResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Upload posts CSV rows as new units of jobID. The response is returned
// as-is; only transport failures are errors.
func (c *Client) Upload(ctx context.Context, jobID string, csv []byte) (*UploadResponse, error) {
	endpoint := fmt.Sprintf("/jobs/%s/upload.json", url.PathEscape(jobID))
	status, body, err := c.send(ctx, http.MethodPost, endpoint, nil, csv, "text/csv")
	if err != nil {
		return nil, fmt.Errorf("upload to job %s: %w", jobID, err)
	}
	log.Info().Str("jobId", jobID).Int("bytes", len(csv)).Int("statusCode", status).Msg("Upload response")
	return &UploadResponse{StatusCode: status, Body: string(body)}, nil
}

// JobTitle returns the display title of a job.
func (c *Client) JobTitle(ctx context.Context, jobID string) (string, error) {
	endpoint := fmt.Sprintf("/jobs/%s.json", url.PathEscape(jobID))
	status, body, err := c.send(ctx, http.MethodGet, endpoint, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("get job %s: %w", jobID, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("get job %s: status %d (body: %s)", jobID, status, truncate(string(body), maxBodyPreview))
	}
	title := gjson.GetBytes(body, "title")
	if !title.Exists() {
		return "", fmt.Errorf("get job %s: response has no title", jobID)
	}
	return title.String(), nil
}
