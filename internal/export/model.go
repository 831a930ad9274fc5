// Package export shapes harvested tickets into records and renders the
// result artifacts.
package export

import "time"

// Display formats of exported dates and times.
const (
	DateFormat = "02.01.2006"
	TimeFormat = "15:04:05"
)

// SanitizedActivity is one cleaned message. Index is 1-based and
// contiguous within its ticket; Recipient is empty for comments.
type SanitizedActivity struct {
	Index     int    `json:"index"`
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Text      string `json:"text"`
}

// TicketRecord is one exported ticket.
type TicketRecord struct {
	Number      string              `json:"number"`
	Name        string              `json:"name"`
	ClientType  string              `json:"client_type"`
	Category    string              `json:"category"`
	Status      string              `json:"status"`
	CreatedDate string              `json:"created_date"`
	CreatedTime string              `json:"created_time"`
	Activities  []SanitizedActivity `json:"activities"`
}

// Stats summarizes one run.
type Stats struct {
	TicketCount   int   `json:"ticket_count"`
	ActivityCount int   `json:"activity_count"`
	ByteSize      int64 `json:"byte_size"`
	ReportLines   int   `json:"report_lines"`

	Submitted    int      `json:"submitted"`
	Skipped      int      `json:"skipped"`
	SkippedIDs   []string `json:"skipped_ids,omitempty"`
	EmptyTickets int      `json:"empty_tickets"`
	Found        int      `json:"found"`
	Truncated    bool     `json:"truncated,omitempty"`
	Cancelled    bool     `json:"cancelled,omitempty"`
}

// Meta describes the run that produced a result. Labels are display
// titles of the filter codebook values.
type Meta struct {
	CategoryLabel string    `json:"category_label"`
	StatusLabel   string    `json:"status_label"`
	DateFrom      time.Time `json:"date_from"`
	DateTo        time.Time `json:"date_to"`
	Found         int       `json:"found"`
	Truncated     bool      `json:"truncated,omitempty"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// FilterLabel renders "category | status".
func (m Meta) FilterLabel() string {
	return orAll(m.CategoryLabel) + " | " + orAll(m.StatusLabel)
}

// Period renders "DD.MM.YYYY - DD.MM.YYYY".
func (m Meta) Period() string {
	return m.DateFrom.Format(DateFormat) + " - " + m.DateTo.Format(DateFormat)
}

func orAll(s string) string {
	if s == "" {
		return "Vše"
	}
	return s
}

// HarvestResult is the terminal artifact of one run.
type HarvestResult struct {
	Records      []TicketRecord `json:"records"`
	ProcessedIDs []string       `json:"processed_ids"`
	Stats        Stats          `json:"stats"`
	Meta         Meta           `json:"meta"`
}
