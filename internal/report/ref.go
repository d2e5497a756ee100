package report

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// RefKind tells how an annotation reference must be resolved.
type RefKind int

const (
	// RefDirect is a plain URL fetched as-is.
	RefDirect RefKind = iota
	// RefDescriptor is a small JSON document whose "url" field points at the
	// marketplace's internal proxy and needs host rewriting plus the API key.
	RefDescriptor
)

func (k RefKind) String() string {
	if k == RefDescriptor {
		return "descriptor"
	}
	return "direct"
}

// AnnotationRef is the results-column value of a report row, classified
// once when the row is read.
type AnnotationRef struct {
	Kind RefKind
	URL  string
}

// ParseAnnotationRef classifies a results-column value.
func ParseAnnotationRef(raw string) (AnnotationRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AnnotationRef{}, fmt.Errorf("empty annotation reference")
	}
	if !strings.HasPrefix(raw, "{") {
		return AnnotationRef{Kind: RefDirect, URL: raw}, nil
	}
	if !gjson.Valid(raw) {
		return AnnotationRef{}, fmt.Errorf("invalid annotation descriptor")
	}
	url := gjson.Get(raw, "url").String()
	if url == "" {
		return AnnotationRef{}, fmt.Errorf("annotation descriptor has no url")
	}
	return AnnotationRef{Kind: RefDescriptor, URL: url}, nil
}

// AnnotationRef classifies the value of the results column col.
func (r Row) AnnotationRef(col string) (AnnotationRef, error) {
	ref, err := ParseAnnotationRef(r[col])
	if err != nil {
		return AnnotationRef{}, fmt.Errorf("column %s: %w", col, err)
	}
	return ref, nil
}
