package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber replaces secrets in text with [REDACTED:rule] markers.
type Scrubber interface {
	// Scrub returns content with secrets replaced and the number replaced.
	Scrub(content string) (string, int)
}

// GitleaksScrubber scrubs using the default Gitleaks configuration plus an
// optional allowlist. The underlying detector is built once.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

var _ Scrubber = (*GitleaksScrubber)(nil)

// NewGitleaksScrubber builds the detector. allowlist may be nil.
func NewGitleaksScrubber(allowlist *Allowlist) (*GitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	if allowlist != nil && (len(allowlist.Regexes) > 0 || len(allowlist.StopWords) > 0) {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &GitleaksScrubber{detector: detector}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "shipline event allowlist",
		StopWords:   append([]string(nil), allowlist.StopWords...),
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Scrub implements Scrubber.
func (s *GitleaksScrubber) Scrub(content string) (string, int) {
	if content == "" {
		return content, 0
	}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(findings) == 0 {
		return content, 0
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	out := content
	n := 0
	for _, f := range findings {
		if f.Secret == "" || !strings.Contains(out, f.Secret) {
			continue
		}
		out = strings.ReplaceAll(out, f.Secret, "[REDACTED:"+f.RuleID+"]")
		n++
	}
	return out, n
}

// Nop is a Scrubber that returns content unchanged.
type Nop struct{}

// Scrub implements Scrubber.
func (Nop) Scrub(content string) (string, int) { return content, 0 }
