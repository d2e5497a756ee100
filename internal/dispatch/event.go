package dispatch

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/tidwall/gjson"

	"github.com/fpang/transcription-qa-bridge/internal/report"
)

var (
	// ErrUnknownEvent is returned for events that are neither a timer nor a
	// webhook.
	ErrUnknownEvent = errors.New("unrecognized event")
	// ErrNoJobID is returned when a webhook payload carries no job_id.
	ErrNoJobID = errors.New("webhook payload has no job_id")
)

// Kind is the trigger class of an inbound event.
type Kind int

const (
	KindTimer Kind = iota
	KindWebhook
)

func (k Kind) String() string {
	if k == KindWebhook {
		return "webhook"
	}
	return "timer"
}

// Trigger is a decoded inbound event.
type Trigger struct {
	Kind Kind
	// Source is the EventBridge source of a timer event.
	Source string
	// JobID restricts a timer sweep to one job when set.
	JobID string
	// Webhook is set for KindWebhook.
	Webhook *Webhook
}

// Webhook is a marketplace job webhook: a form body with signal, payload
// and signature fields.
type Webhook struct {
	Signal string
	// Payload is the URL-unescaped JSON document.
	Payload   string
	Signature string
}

// Decode classifies a raw Lambda event. An object with "source" is a
// scheduled (or kick-off) event; an object with "body" is a webhook
// delivered through a function URL or API gateway.
func Decode(raw json.RawMessage) (*Trigger, error) {
	doc := gjson.ParseBytes(raw)
	if !gjson.ValidBytes(raw) || !doc.IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrUnknownEvent)
	}

	if doc.Get("source").Exists() {
		var ev events.CloudWatchEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode timer event: %w", err)
		}
		return &Trigger{
			Kind:   KindTimer,
			Source: ev.Source,
			JobID:  report.NormalizeJobID(doc.Get("job_id").String()),
		}, nil
	}

	if body := doc.Get("body"); body.Exists() {
		text := body.String()
		// Function URLs flag the encoding; older callers always encoded.
		if enc := doc.Get("isBase64Encoded"); !enc.Exists() || enc.Type == gjson.True {
			decoded, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				return nil, fmt.Errorf("decode webhook body: %w", err)
			}
			text = string(decoded)
		}
		hook, err := ParseForm(text)
		if err != nil {
			return nil, err
		}
		return &Trigger{Kind: KindWebhook, Webhook: hook}, nil
	}

	return nil, fmt.Errorf("%w: neither source nor body present", ErrUnknownEvent)
}

// ParseForm splits a webhook body of the form
// signal=...&payload=...&signature=... . The payload is percent-decoded
// without treating '+' as a space, and must be valid JSON.
func ParseForm(body string) (*Webhook, error) {
	hook := &Webhook{}
	var rawPayload string
	var hasPayload bool
	for _, part := range strings.Split(strings.TrimSpace(body), "&") {
		name, value, _ := strings.Cut(part, "=")
		switch name {
		case "signal":
			hook.Signal = value
		case "payload":
			rawPayload, hasPayload = value, true
		case "signature":
			hook.Signature = value
		}
	}
	if !hasPayload {
		return nil, fmt.Errorf("webhook body has no payload field")
	}

	payload, err := url.PathUnescape(rawPayload)
	if err != nil {
		return nil, fmt.Errorf("unescape webhook payload: %w", err)
	}
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("webhook payload is not JSON")
	}
	hook.Payload = payload
	return hook, nil
}

// JobID extracts the job ID from the payload. The marketplace sends either
// an object or a one-element list of objects, and the ID may be a number
// or a string.
func (w *Webhook) JobID() (string, error) {
	for _, p := range []string{"job_id", "0.job_id"} {
		if v := gjson.Get(w.Payload, p); v.Exists() {
			if id := report.NormalizeJobID(v.String()); id != "" {
				return id, nil
			}
		}
	}
	return "", ErrNoJobID
}

// VerifySignature checks the signature against the hex SHA-1 of the
// payload followed by the API key.
func (w *Webhook) VerifySignature(apiKey string) bool {
	sum := sha1.Sum([]byte(w.Payload + apiKey))
	expected := hex.EncodeToString(sum[:])
	got := strings.ToLower(strings.TrimSpace(w.Signature))
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
