package secrets

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// TokenDetector recognizes API keys, access tokens and private keys using the
// gitleaks default rule set. It only reports KindCredential.
type TokenDetector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewTokenDetector builds the gitleaks detector once; allowlist may be nil.
func NewTokenDetector(allowlist *Allowlist) (*TokenDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil && !allowlist.Empty() {
		applyAllowlist(&d.Config, allowlist)
	}
	return &TokenDetector{detector: d}, nil
}

// Recognize implements Recognizer. Each distinct secret is located by
// value, so every occurrence in text is reported.
func (t *TokenDetector) Recognize(text string, kinds ...Kind) []Entity {
	if text == "" {
		return nil
	}
	if set := kindSet(kinds); set != nil && !set[KindCredential] {
		return nil
	}

	t.mu.Lock()
	findings := t.detector.DetectString(text)
	t.mu.Unlock()

	seen := make(map[string]bool)
	var out []Entity
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || seen[secret] {
			continue
		}
		seen[secret] = true

		for from := 0; ; {
			idx := strings.Index(text[from:], secret)
			if idx < 0 {
				break
			}
			start := from + idx
			out = append(out, Entity{Start: start, End: start + len(secret), Kind: KindCredential, RuleID: f.RuleID})
			from = start + len(secret)
		}
	}
	return out
}

// applyAllowlist appends the allowlist as a global gitleaks allowlist.
// Patterns were validated when the allowlist was loaded.
func applyAllowlist(cfg *gitleaksconfig.Config, allowlist *Allowlist) {
	global := &gitleaksconfig.Allowlist{Description: "harvestd allowlist"}
	for _, p := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(p)))
	}
	global.StopWords = append(global.StopWords, allowlist.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

var _ Recognizer = (*TokenDetector)(nil)
