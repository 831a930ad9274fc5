package secrets

import (
	"sort"
	"strings"
)

// DefaultPlaceholders maps each kind to its replacement token.
var DefaultPlaceholders = map[Kind]string{
	KindEmail:      "[EMAIL]",
	KindPhone:      "[TELEFON]",
	KindIP:         "[IP ADRESA]",
	KindCredential: "[TAJNÝ KLÍČ]",
}

// Redact replaces every entity span with its kind placeholder and returns
// the new text and the number of replaced spans. Overlapping or touching
// spans collapse into one, taking the placeholder of the earliest span.
func Redact(text string, entities []Entity, placeholders map[Kind]string) (string, int) {
	if len(entities) == 0 {
		return text, 0
	}
	if placeholders == nil {
		placeholders = DefaultPlaceholders
	}

	spans := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Start >= 0 && e.End <= len(text) && e.Start < e.End {
			spans = append(spans, e)
		}
	}
	if len(spans) == 0 {
		return text, 0
	}
	merged := mergeSpans(spans)

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range merged {
		b.WriteString(text[last:s.Start])
		ph, ok := placeholders[s.Kind]
		if !ok {
			ph = "[" + string(s.Kind) + "]"
		}
		b.WriteString(ph)
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String(), len(merged)
}

// mergeSpans sorts by start and merges overlapping or adjacent spans.
func mergeSpans(spans []Entity) []Entity {
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	merged := []Entity{spans[0]}
	for _, curr := range spans[1:] {
		last := &merged[len(merged)-1]
		if curr.Start <= last.End {
			if curr.End > last.End {
				last.End = curr.End
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}
