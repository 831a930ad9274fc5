package sanitize

import (
	"fmt"
	"regexp"
)

// Action is what a rule does when its pattern matches.
type Action int

const (
	// ActionNoise replaces the whole text with NoisePlaceholder.
	ActionNoise Action = iota
	// ActionCut truncates the text at the match start.
	ActionCut
	// ActionMask substitutes the match with Replace (regexp template).
	ActionMask
)

func (a Action) String() string {
	switch a {
	case ActionNoise:
		return "noise"
	case ActionCut:
		return "cut"
	case ActionMask:
		return "mask"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Rule is one row of the sanitizer rule table.
type Rule struct {
	ID      string
	Action  Action
	Pattern string
	Replace string // ActionMask only
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func compileRules(rules []Rule) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate ID", r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		out = append(out, &compiledRule{Rule: r, re: re})
	}
	return out, nil
}

// DefaultNoiseRules detect auto-replies, out-of-office notices and bounces.
func DefaultNoiseRules() []Rule {
	return []Rule{
		{ID: "noise-auto-reply-cs", Action: ActionNoise, Pattern: `(?i)automatick[áa]\s+odpov[ěe]ď`},
		{ID: "noise-auto-reply-en", Action: ActionNoise, Pattern: `(?i)\bauto(?:matic)?[\s-]*reply\b`},
		{ID: "noise-out-of-office-en", Action: ActionNoise, Pattern: `(?i)\bout\s+of\s+(?:the\s+)?office\b`},
		{ID: "noise-out-of-office-cs", Action: ActionNoise, Pattern: `(?i)\bjsem\s+(?:mimo\s+kancelář|na\s+dovolené|nepřítomn[áý]|mimo\s+pracoviště)`},
		{ID: "noise-generated-cs", Action: ActionNoise, Pattern: `(?i)(?:tento|tato)\s+(?:e-?mail|zpráva)\s+(?:byl|byla)\s+(?:vygenerován[aá]?|odeslán[aá]?)\s+automaticky`},
		{ID: "noise-no-reply-cs", Action: ActionNoise, Pattern: `(?i)\bneodpovídejte\s+na\s+(?:tento|tuto)\s+(?:e-?mail|zprávu)`},
		{ID: "noise-no-reply-en", Action: ActionNoise, Pattern: `(?i)\bdo\s+not\s+reply\s+to\s+this\s+(?:e-?mail|message)`},
		{ID: "noise-bounce", Action: ActionNoise, Pattern: `(?i)\b(?:delivery\s+status\s+notification|mail\s+delivery\s+(?:failed|subsystem)|undeliverable:)`},
	}
}

// DefaultCutRules detect quoted history, sign-offs and disclaimers.
//
// Every pattern matches at least nine bytes, the length of the appended
// "\n[PODPIS]", so a truncated text is never longer than its input.
func DefaultCutRules() []Rule {
	return []Rule{
		// Quoted history.
		{ID: "cut-from-header", Action: ActionCut, Pattern: `(?i)\bFrom:\s*\S[^\n]{3,}`},
		{ID: "cut-od-header", Action: ActionCut, Pattern: `(?i)\bOd:[^\n]*\n\s*(?:Odesláno|Datum|Sent|Komu):`},
		{ID: "cut-napsal", Action: ActionCut, Pattern: `(?i)\bDne\s[^\n]*?\snapsal(?:a|/a|\(a\))?\s*:`},
		{ID: "cut-wrote", Action: ActionCut, Pattern: `(?i)\bOn\s[^\n]*?\swrote:`},
		{ID: "cut-original-cs", Action: ActionCut, Pattern: `(?i)-{2,}\s*Původní\s+zpráva\s*-{2,}`},
		{ID: "cut-forwarded-cs", Action: ActionCut, Pattern: `(?i)-{2,}\s*Přeposlaná\s+zpráva\s*-{2,}`},
		{ID: "cut-original-en", Action: ActionCut, Pattern: `(?i)-{2,}\s*(?:Original|Forwarded)\s+message\s*-{2,}`},
		{ID: "cut-underscore-rule", Action: ActionCut, Pattern: `_{9,}`},
		{ID: "cut-dash-rule", Action: ActionCut, Pattern: `-{9,}`},

		// Sign-offs.
		{ID: "cut-s-pozdravem", Action: ActionCut, Pattern: `(?i)\bS\s+pozdrave[mn]\b`},
		{ID: "cut-s-pozdravom", Action: ActionCut, Pattern: `(?i)\bS\s+pozdravom\b`},
		{ID: "cut-s-prianim", Action: ActionCut, Pattern: `(?i)\bS\s+přáním\s+(?:hezkého|pěkného|krásného)\s+dne`},
		{ID: "cut-hezky-den", Action: ActionCut, Pattern: `(?i)\bMějte\s+(?:se\s+)?(?:hezký|pěkný|krásný)\s+den`},
		{ID: "cut-regards", Action: ActionCut, Pattern: `(?i)\b(?:Best|Kind|Warm)\s+regards\b`},
		{ID: "cut-sent-from", Action: ActionCut, Pattern: `(?i)\bOdesláno\s+z\s+(?:mého\s+)?(?:iPhonu|iPhone|Androidu|mobilu)`},

		// Disclaimers.
		{ID: "cut-disclaimer-cs", Action: ActionCut, Pattern: `(?i)\bTento\s+e-?mail\s+(?:a\s+jeho\s+přílohy\s+)?(?:je|jsou|může\s+obsahovat)\s+(?:důvěrn|informace)`},
		{ID: "cut-disclaimer-en", Action: ActionCut, Pattern: `(?i)\bThis\s+(?:e-?mail|message)\s+(?:and\s+any\s+attachments\s+)?(?:is|are|may\s+contain)\s+(?:confidential|privileged)`},
		{ID: "cut-print-cs", Action: ActionCut, Pattern: `(?i)\bPřed\s+vytištěním\s+(?:tohoto\s+e-?mailu\s+)?zvažte`},
	}
}

// DefaultMaskRules run before entity recognition: the credential mask must
// see the text first so labelled passwords never reach the recognizer.
func DefaultMaskRules() []Rule {
	return []Rule{
		{
			ID:      "mask-credential",
			Action:  ActionMask,
			Pattern: `(?i)\b(heslo|password|passwd|pwd|pass|access_token|token)(\s*[:=]\s*)\S+`,
			Replace: "${1}${2}" + PasswordPlaceholder,
		},
		{
			ID:      "mask-phone-9",
			Action:  ActionMask,
			Pattern: `(?:\+\d{3}\s?|\b\d{3}\s?|\b)\d{3}\s?\d{3}\s?\d{3}\b`,
			Replace: PhonePlaceholder,
		},
	}
}

// DefaultRules is the full ordered table.
func DefaultRules() []Rule {
	rules := DefaultNoiseRules()
	rules = append(rules, DefaultCutRules()...)
	return append(rules, DefaultMaskRules()...)
}
