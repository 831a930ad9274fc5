// Package daktela is a read-only client for the Daktela v6 ticketing API.
//
// It covers the calls a harvest needs: filtered ticket search, per-ticket
// activity listing with bounded retry, and the category and status
// codebooks used to build filters.
package daktela

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wire format of every Daktela timestamp. Values are
// instance wall-clock time and are kept as naive times in UTC.
const TimeLayout = "2006-01-02 15:04:05"

const dateLayout = "2006-01-02"

// Filter selects tickets for a harvest.
type Filter struct {
	DateFrom time.Time `json:"date_from"`
	DateTo   time.Time `json:"date_to"`
	// Category and Status are codebook names; empty matches all.
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty"`
	// MaxResults bounds how many found tickets are processed; 0 means all.
	MaxResults int `json:"max_results"`
}

// Validate checks the filter invariants.
func (f Filter) Validate() error {
	if f.DateFrom.IsZero() || f.DateTo.IsZero() {
		return fmt.Errorf("%w: date range is required", ErrInvalidFilter)
	}
	if truncateDay(f.DateFrom).After(truncateDay(f.DateTo)) {
		return fmt.Errorf("%w: date_from %s is after date_to %s",
			ErrInvalidFilter, f.DateFrom.Format(dateLayout), f.DateTo.Format(dateLayout))
	}
	if f.MaxResults < 0 {
		return fmt.Errorf("%w: max_results must be >= 0, got %d", ErrInvalidFilter, f.MaxResults)
	}
	return nil
}

// Label describes the filter for artifact headers, e.g. "Reklamace | Otevřený".
func (f Filter) Label() string {
	cat, stat := f.Category, f.Status
	if cat == "" {
		cat = "*"
	}
	if stat == "" {
		stat = "*"
	}
	return cat + " | " + stat
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidFilter, s)
	}
	return t, nil
}

// TicketSummary is one search hit.
type TicketSummary struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	CreatedAt     time.Time      `json:"created_at"`
	CategoryTitle string         `json:"category_title"`
	StatusTitle   string         `json:"status_title"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

// SearchResult is the outcome of one search.
type SearchResult struct {
	Tickets []TicketSummary
	// Total is the server-side match count when reported, else len(Tickets).
	Total int
	// Truncated is set when a full page came back and paging was off, so
	// more matches may exist.
	Truncated bool
}

// RawActivity is one email or comment event of a ticket.
type RawActivity struct {
	Name        string        `json:"name,omitempty"`
	Time        time.Time     `json:"time"`
	Type        string        `json:"type,omitempty"`
	Description string        `json:"description,omitempty"`
	Item        *ActivityItem `json:"item,omitempty"`
	User        *Party        `json:"user,omitempty"`
	Contact     *Party        `json:"contact,omitempty"`
	Ticket      *TicketRef    `json:"ticket,omitempty"`
}

// Body returns the message text: the item text, falling back to the
// activity description.
func (a RawActivity) Body() string {
	if a.Item != nil && a.Item.Text != "" {
		return a.Item.Text
	}
	return a.Description
}

// Inbound reports whether the message came from the contact.
func (a RawActivity) Inbound() bool {
	return a.Item != nil && strings.EqualFold(strings.TrimSpace(a.Item.Direction), "in")
}

// ActivityItem is the channel payload of an activity.
type ActivityItem struct {
	Text      string `json:"text,omitempty"`
	Address   string `json:"address,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Party is a user (internal agent) or a contact (external counterparty).
type Party struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
	Email string `json:"email,omitempty"`
}

// TicketRef is the ticket an activity belongs to.
type TicketRef struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
}

// CodebookEntry is one category or status.
type CodebookEntry struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}
