// Package carrier holds the static registry of shipping carriers that show
// up as counterparties in support conversations.
package carrier

import "strings"

// Carrier is one registry entry. Slug is the lowercase token carriers use
// in their mail domains.
type Carrier struct {
	Slug string
	Name string
}

// Registry is an ordered carrier list. Lookups return the first match in
// declaration order.
type Registry struct {
	carriers []Carrier
}

// Default carriers, in match priority order.
var defaultCarriers = []Carrier{
	{Slug: "cpost", Name: "Česká pošta"},
	{Slug: "ceskaposta", Name: "Česká pošta"},
	{Slug: "ppl", Name: "PPL"},
	{Slug: "dpd", Name: "DPD"},
	{Slug: "gls", Name: "GLS"},
	{Slug: "zasilkovna", Name: "Zásilkovna"},
	{Slug: "packeta", Name: "Packeta"},
	{Slug: "dhl", Name: "DHL"},
	{Slug: "ups", Name: "UPS"},
	{Slug: "fedex", Name: "FedEx"},
	{Slug: "geis", Name: "Geis"},
	{Slug: "toptrans", Name: "TOPTRANS"},
	{Slug: "wedo", Name: "WE|DO"},
	{Slug: "intime", Name: "InTime"},
}

// NewRegistry returns a registry over carriers, preserving their order.
func NewRegistry(carriers []Carrier) *Registry {
	cp := make([]Carrier, len(carriers))
	copy(cp, carriers)
	return &Registry{carriers: cp}
}

// Default returns the built-in registry.
func Default() *Registry {
	return NewRegistry(defaultCarriers)
}

// All returns a copy of the entries in declaration order.
func (r *Registry) All() []Carrier {
	out := make([]Carrier, len(r.carriers))
	copy(out, r.carriers)
	return out
}

// Match finds the first carrier whose mail domain starts with "<slug>.",
// whose address ends with "@<slug>.com", or whose name appears in
// displayTitle. Comparisons ignore case.
func (r *Registry) Match(displayTitle, email string) (Carrier, bool) {
	title := strings.ToLower(displayTitle)
	addr := strings.ToLower(strings.TrimSpace(email))

	var domain string
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domain = addr[at+1:]
	}

	for _, c := range r.carriers {
		slug := strings.ToLower(c.Slug)
		if domain != "" && strings.HasPrefix(domain, slug+".") {
			return c, true
		}
		if addr != "" && strings.HasSuffix(addr, "@"+slug+".com") {
			return c, true
		}
		if title != "" && strings.Contains(title, strings.ToLower(c.Name)) {
			return c, true
		}
	}
	return Carrier{}, false
}
