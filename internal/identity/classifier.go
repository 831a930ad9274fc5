// Package identity labels the sender and recipient of ticket messages.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/fyrsmithlabs/harvestd/internal/carrier"
	"github.com/fyrsmithlabs/harvestd/internal/daktela"
)

const (
	// DefaultAgentName is the internal agent display name.
	DefaultAgentName = "Balíkobot"

	// CustomerLabel is used for counterparties without a display title.
	CustomerLabel = "Customer"

	// TypeComment marks internal notes.
	TypeComment = "COMMENT"

	// TypeEmail is assumed when an activity carries no type.
	TypeEmail = "EMAIL"
)

// Parties is the resolved role pair of one activity. Recipient is empty
// for comments.
type Parties struct {
	Type      string
	Sender    string
	Recipient string
	Comment   bool
}

// Classifier is stateless after construction and safe for concurrent use.
type Classifier struct {
	agent     string
	agentFold string
	registry  *carrier.Registry
}

// New builds a classifier. An empty agent name selects DefaultAgentName and
// a nil registry the built-in carriers.
func New(agentName string, registry *carrier.Registry) *Classifier {
	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		agentName = DefaultAgentName
	}
	if registry == nil {
		registry = carrier.Default()
	}
	return &Classifier{
		agent:     agentName,
		agentFold: fold(agentName),
		registry:  registry,
	}
}

// Default returns a classifier with the default agent and carriers.
func Default() *Classifier {
	return New("", nil)
}

// Agent returns the internal agent display name.
func (c *Classifier) Agent() string {
	return c.agent
}

// Identify returns the display label of one party.
func (c *Classifier) Identify(displayTitle, email string, internal bool) string {
	title := strings.TrimSpace(displayTitle)

	if internal {
		if title == "" || strings.EqualFold(title, c.agent) {
			return c.agent
		}
		return c.agent + " (" + title + ")"
	}

	// Automated replies sent through a contact record that looks human.
	if c.mentionsAgent(title) || c.mentionsAgent(email) {
		return c.agent
	}

	if cr, ok := c.registry.Match(title, email); ok {
		return "Carrier (" + cr.Name + ")"
	}

	if title == "" {
		return CustomerLabel
	}
	return CustomerLabel + " (" + title + ")"
}

// mentionsAgent matches the agent name ignoring case and diacritics, so
// "podpora@balikobot.cz" is recognized as well.
func (c *Classifier) mentionsAgent(s string) bool {
	if s == "" || c.agentFold == "" {
		return false
	}
	return strings.Contains(fold(s), c.agentFold)
}

// Resolve derives the activity type and its sender and recipient labels.
func (c *Classifier) Resolve(a daktela.RawActivity) Parties {
	typ := strings.ToUpper(strings.TrimSpace(a.Type))
	comment := typ == TypeComment || (typ == "" && a.Description != "")
	if typ == "" {
		typ = TypeEmail
	}
	if comment {
		return Parties{Type: TypeComment, Sender: c.user(a), Comment: true}
	}

	contact := c.contact(a)
	if a.Inbound() {
		return Parties{Type: typ, Sender: contact, Recipient: c.agent}
	}
	return Parties{Type: typ, Sender: c.user(a), Recipient: contact}
}

func (c *Classifier) user(a daktela.RawActivity) string {
	if a.User == nil {
		return c.agent
	}
	return c.Identify(a.User.Title, a.User.Email, true)
}

func (c *Classifier) contact(a daktela.RawActivity) string {
	var title, email string
	if a.Contact != nil {
		title, email = a.Contact.Title, a.Contact.Email
	}
	if a.Item != nil && a.Item.Address != "" {
		email = a.Item.Address
	}
	return c.Identify(title, email, false)
}

// fold lowercases s and strips diacritics.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
