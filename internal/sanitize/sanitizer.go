// Package sanitize turns raw ticket message bodies into plain, de-identified
// text. The pipeline runs four stages in order: HTML normalization, noise
// detection, quote/signature truncation and PII redaction. Each stage is
// driven by a rule table.
package sanitize

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/harvestd/internal/secrets"
)

// Placeholders inserted by the pipeline.
const (
	NoisePlaceholder     = "[AUTOMATICKÝ EMAIL]"
	SignaturePlaceholder = "[PODPIS]"
	PasswordPlaceholder  = "[HESLO]"
	PhonePlaceholder     = "[TELEFON]"
)

// DefaultKinds are the entity kinds redacted in the last stage.
var DefaultKinds = []secrets.Kind{secrets.KindEmail, secrets.KindPhone, secrets.KindIP}

// Result describes one sanitized text.
type Result struct {
	Text       string `json:"text"`
	Noise      bool   `json:"noise,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	CutRule    string `json:"cut_rule,omitempty"`
	Redactions int    `json:"redactions"`
}

// Options configures a Sanitizer. Zero values select the defaults.
type Options struct {
	// Rules replaces the whole default table.
	Rules []Rule
	// ExtraNoise and ExtraCut append patterns to the table.
	ExtraNoise []string
	ExtraCut   []string
	// Recognizer performs the entity stage; defaults to the rule recognizer.
	Recognizer secrets.Recognizer
	// Kinds restricts the entity stage; defaults to DefaultKinds.
	Kinds        []secrets.Kind
	Placeholders map[secrets.Kind]string
}

// Sanitizer is safe for concurrent use; it holds only compiled rules.
type Sanitizer struct {
	noise        []*compiledRule
	cut          []*compiledRule
	mask         []*compiledRule
	recognizer   secrets.Recognizer
	kinds        []secrets.Kind
	placeholders map[secrets.Kind]string
}

// New builds a sanitizer from opts.
func New(opts Options) (*Sanitizer, error) {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	for i, p := range opts.ExtraNoise {
		rules = append(rules, Rule{ID: fmt.Sprintf("noise-custom-%d", i+1), Action: ActionNoise, Pattern: p})
	}
	for i, p := range opts.ExtraCut {
		rules = append(rules, Rule{ID: fmt.Sprintf("cut-custom-%d", i+1), Action: ActionCut, Pattern: p})
	}

	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	s := &Sanitizer{
		recognizer:   opts.Recognizer,
		kinds:        opts.Kinds,
		placeholders: opts.Placeholders,
	}
	for _, r := range compiled {
		switch r.Action {
		case ActionNoise:
			s.noise = append(s.noise, r)
		case ActionCut:
			s.cut = append(s.cut, r)
		case ActionMask:
			s.mask = append(s.mask, r)
		default:
			return nil, fmt.Errorf("rule %s: unknown action %v", r.ID, r.Action)
		}
	}

	if s.recognizer == nil {
		rec, err := secrets.NewRuleRecognizer(nil)
		if err != nil {
			return nil, err
		}
		s.recognizer = rec
	}
	if s.kinds == nil {
		s.kinds = DefaultKinds
	}
	if s.placeholders == nil {
		s.placeholders = secrets.DefaultPlaceholders
	}
	return s, nil
}

// Default returns a sanitizer with the built-in rules.
func Default() *Sanitizer {
	s, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return s
}

// Clean returns only the sanitized text.
func (s *Sanitizer) Clean(raw string) string {
	return s.Sanitize(raw).Text
}

// Sanitize runs the full pipeline. Empty input yields an empty result.
func (s *Sanitizer) Sanitize(raw string) Result {
	text := NormalizeHTML(raw)
	if text == "" {
		return Result{}
	}

	if s.isNoise(text) {
		return Result{Text: NoisePlaceholder, Noise: true}
	}

	var res Result
	if idx, ruleID := s.earliestCut(text); idx >= 0 {
		res.Truncated = true
		res.CutRule = ruleID
		prefix := strings.TrimRightFunc(text[:idx], unicode.IsSpace)
		if prefix == "" {
			// Nothing but quote or signature: the message is dropped.
			return res
		}
		text = prefix + "\n" + SignaturePlaceholder
	}

	text, res.Redactions = s.redact(text)
	res.Text = text
	return res
}

func (s *Sanitizer) isNoise(text string) bool {
	for _, r := range s.noise {
		if r.re.MatchString(text) {
			return true
		}
	}
	return false
}

// earliestCut returns the smallest match offset over all cut rules and the
// rule that produced it. Ties go to the rule listed first.
func (s *Sanitizer) earliestCut(text string) (int, string) {
	best, id := -1, ""
	for _, r := range s.cut {
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < best {
			best, id = loc[0], r.ID
		}
	}
	return best, id
}

// redact applies the mask rules in order, then the entity recognizer.
func (s *Sanitizer) redact(text string) (string, int) {
	n := 0
	for _, r := range s.mask {
		matches := len(r.re.FindAllStringIndex(text, -1))
		if matches == 0 {
			continue
		}
		text = r.re.ReplaceAllString(text, r.Replace)
		n += matches
	}

	entities := s.recognizer.Recognize(text, s.kinds...)
	redacted, m := secrets.Redact(text, entities, s.placeholders)
	return redacted, n + m
}
