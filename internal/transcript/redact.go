package transcript

import (
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Redacted replaces every detected secret.
const Redacted = "[REDACTED]"

// Redactor masks secrets in text before it is printed or logged.
// A nil Redactor leaves text unchanged.
type Redactor struct {
	detector *detect.Detector
}

// NewRedactor loads the default gitleaks rule set.
func NewRedactor() (*Redactor, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load secret rules: %w", err)
	}
	return &Redactor{detector: d}, nil
}

// Redact returns s with detected secrets replaced.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, finding := range r.detector.DetectString(s) {
		if finding.Secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, finding.Secret, Redacted)
	}
	return s
}
