package sanitize

import (
	"fmt"

	"github.com/fyrsmithlabs/harvestd/internal/config"
	"github.com/fyrsmithlabs/harvestd/internal/secrets"
)

// FromConfig builds a sanitizer from the sanitize config section. With
// DetectTokens set, credential tokens found by the gitleaks rule set are
// redacted as well.
func FromConfig(cfg config.SanitizeConfig) (*Sanitizer, error) {
	opts := Options{
		ExtraNoise: cfg.NoisePatterns,
		ExtraCut:   cfg.CutPatterns,
	}
	if cfg.DetectTokens {
		var allowlist *secrets.Allowlist
		if cfg.AllowlistPath != "" {
			var err error
			allowlist, err = secrets.LoadAllowlist(cfg.AllowlistPath)
			if err != nil {
				return nil, fmt.Errorf("loading allowlist: %w", err)
			}
		}
		tokens, err := secrets.NewTokenDetector(allowlist)
		if err != nil {
			return nil, err
		}
		opts.Recognizer = secrets.Chain{secrets.MustNewRuleRecognizer(secrets.DefaultRules()), tokens}
		opts.Kinds = append(append([]secrets.Kind{}, DefaultKinds...), secrets.KindCredential)
	}
	return New(opts)
}
