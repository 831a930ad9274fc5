// Package secrets recognizes personal data and credentials in free text and
// redacts them irreversibly.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
)

// Kind classifies a recognized entity.
type Kind string

const (
	KindEmail      Kind = "EMAIL"
	KindPhone      Kind = "PHONE"
	KindIP         Kind = "IP"
	KindCredential Kind = "CREDENTIAL"
)

// Entity is a recognized span [Start, End) in byte offsets.
type Entity struct {
	Start  int
	End    int
	Kind   Kind
	RuleID string
}

// Recognizer finds entities of the requested kinds. An empty kinds list
// means every kind the recognizer supports.
type Recognizer interface {
	Recognize(text string, kinds ...Kind) []Entity
}

// Rule is one declarative recognition rule.
type Rule struct {
	ID      string
	Kind    Kind
	Pattern string
	// Keywords gate the rule: it only runs when one occurs in the text.
	Keywords []string
	// Valid rejects false positives after the pattern matched.
	Valid func(match string) bool
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// RuleRecognizer is a Recognizer driven by a rule table.
type RuleRecognizer struct {
	rules []*compiledRule
}

// NewRuleRecognizer compiles rules. Nil rules select DefaultRules.
func NewRuleRecognizer(rules []Rule) (*RuleRecognizer, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	compiled := make([]*compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Kind == "" {
			return nil, fmt.Errorf("rule %s: kind is required", rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w: %v", rule.ID, ErrInvalidRegex, err)
		}
		cr := &compiledRule{Rule: rule, pattern: re}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		compiled = append(compiled, cr)
	}
	return &RuleRecognizer{rules: compiled}, nil
}

// MustNewRuleRecognizer panics on invalid rules.
func MustNewRuleRecognizer(rules []Rule) *RuleRecognizer {
	r, err := NewRuleRecognizer(rules)
	if err != nil {
		panic(err)
	}
	return r
}

// Recognize returns entities ordered by start offset.
func (r *RuleRecognizer) Recognize(text string, kinds ...Kind) []Entity {
	if text == "" {
		return nil
	}
	want := kindSet(kinds)

	var out []Entity
	for _, rule := range r.rules {
		if want != nil && !want[rule.Kind] {
			continue
		}
		if !rule.keywordPresent(text) {
			continue
		}
		for _, loc := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			// A first capture group narrows the span to the value itself.
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			if rule.Valid != nil && !rule.Valid(text[start:end]) {
				continue
			}
			out = append(out, Entity{Start: start, End: end, Kind: rule.Kind, RuleID: rule.ID})
		}
	}

	return dropNested(out)
}

// dropNested orders entities by start (longest first on ties) and removes
// any entity lying inside an earlier one of the same kind.
func dropNested(entities []Entity) []Entity {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		return entities[i].End > entities[j].End
	})

	kept := entities[:0]
	for _, e := range entities {
		nested := false
		for _, k := range kept {
			if k.Kind == e.Kind && e.Start >= k.Start && e.End <= k.End {
				nested = true
				break
			}
		}
		if !nested {
			kept = append(kept, e)
		}
	}
	return kept
}

func (c *compiledRule) keywordPresent(text string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	for _, kw := range c.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}

func kindSet(kinds []Kind) map[Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// Chain runs several recognizers and concatenates their entities.
type Chain []Recognizer

// Recognize implements Recognizer.
func (c Chain) Recognize(text string, kinds ...Kind) []Entity {
	var out []Entity
	for _, r := range c {
		out = append(out, r.Recognize(text, kinds...)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

var (
	_ Recognizer = (*RuleRecognizer)(nil)
	_ Recognizer = Chain(nil)
)
