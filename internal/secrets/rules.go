package secrets

import (
	"net/netip"
	"strings"
	"unicode"
)

// DefaultRules returns the email, phone and IP rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "email-address",
			Kind:     KindEmail,
			Pattern:  `[\p{L}\p{N}._%+\-]+@[\p{L}\p{N}\-]+(?:\.[\p{L}\p{N}\-]+)*\.[A-Za-z]{2,}`,
			Keywords: []string{"@"},
		},
		{
			ID:      "phone-international",
			Kind:    KindPhone,
			Pattern: `\+\d{1,3}[\s\-./]?\(?\d{1,4}\)?(?:[\s\-./]?\d{2,4}){2,4}`,
			Valid:   digitsBetween(9, 15),
		},
		{
			ID:      "phone-national",
			Kind:    KindPhone,
			Pattern: `\(?\b\d{2,4}\)?[\s\-]\d{2,4}[\s\-]\d{2,4}(?:[\s\-]\d{2,4})?\b`,
			Valid:   digitsBetween(9, 12),
		},
		{
			ID:      "ipv4-address",
			Kind:    KindIP,
			Pattern: `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
			Valid:   validIP,
		},
		{
			ID:       "ipv6-address",
			Kind:     KindIP,
			Pattern:  `(?i)(?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4}`,
			Keywords: []string{":"},
			Valid: func(s string) bool {
				return strings.Count(s, ":") >= 2 && validIP(s)
			},
		},
	}
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

func digitsBetween(min, max int) func(string) bool {
	return func(s string) bool {
		n := 0
		for _, r := range s {
			if unicode.IsDigit(r) {
				n++
			}
		}
		return n >= min && n <= max
	}
}
