package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
)

const (
	// NoSubject replaces a missing ticket title.
	NoSubject = "Bez předmětu"

	// NotAvailable replaces a missing category or status.
	NotAvailable = "N/A"

	// DefaultVIPMarker is looked up in customFields.vip.
	DefaultVIPMarker = "VIP"

	ClientVIP      = "VIP"
	ClientStandard = "Standard"

	typeComment = "COMMENT"
)

// Assembler collects records in submission order. It is driven by a single
// goroutine and is not safe for concurrent use.
type Assembler struct {
	vipMarker string
	records   []TicketRecord
	ids       []string
	skipped   []string
	finalized bool
}

// NewAssembler returns an assembler. An empty marker selects DefaultVIPMarker.
func NewAssembler(vipMarker string) *Assembler {
	if vipMarker == "" {
		vipMarker = DefaultVIPMarker
	}
	return &Assembler{vipMarker: vipMarker}
}

// Submitted logs a ticket id as handed to processing, whether or not it
// ends up with a record.
func (a *Assembler) Submitted(id string) {
	a.ids = append(a.ids, id)
}

// Skip records that a submitted ticket produced no record.
func (a *Assembler) Skip(id string) {
	a.skipped = append(a.skipped, id)
}

// Begin starts a record from a search summary.
func (a *Assembler) Begin(s daktela.TicketSummary) *RecordBuilder {
	rec := TicketRecord{
		Number:     s.ID,
		Name:       orDefault(s.Title, NoSubject),
		ClientType: ClientStandard,
		Category:   orDefault(s.CategoryTitle, NotAvailable),
		Status:     orDefault(s.StatusTitle, NotAvailable),
		Activities: []SanitizedActivity{},
	}
	if !s.CreatedAt.IsZero() {
		rec.CreatedDate = s.CreatedAt.Format(DateFormat)
		rec.CreatedTime = s.CreatedAt.Format(TimeFormat)
	}
	if IsVIP(s.CustomFields, a.vipMarker) {
		rec.ClientType = ClientVIP
	}
	return &RecordBuilder{a: a, rec: rec, titled: strings.TrimSpace(s.Title) != ""}
}

// IsVIP reports whether customFields["vip"] is a sequence holding marker.
func IsVIP(customFields map[string]any, marker string) bool {
	switch v := customFields["vip"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == marker {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == marker {
				return true
			}
		}
	}
	return false
}

// Entry is one classified, sanitized message.
type Entry struct {
	At        time.Time
	Type      string
	Sender    string
	Recipient string
	Text      string
}

// RecordBuilder fills one record; activities must be appended in time order.
type RecordBuilder struct {
	a         *Assembler
	rec       TicketRecord
	titled    bool
	committed bool
}

// FallbackTitle names the ticket when the search summary had no title.
func (b *RecordBuilder) FallbackTitle(title string) {
	if title = strings.TrimSpace(title); title != "" && !b.titled {
		b.rec.Name = title
		b.titled = true
	}
}

// Append adds a message with the next index. Empty text is ignored.
func (b *RecordBuilder) Append(e Entry) {
	if e.Text == "" {
		return
	}
	act := SanitizedActivity{
		Index:  len(b.rec.Activities) + 1,
		Type:   e.Type,
		Sender: e.Sender,
		Date:   e.At.Format(DateFormat),
		Time:   e.At.Format(TimeFormat),
		Text:   e.Text,
	}
	if e.Type != typeComment {
		act.Recipient = e.Recipient
	}
	b.rec.Activities = append(b.rec.Activities, act)
}

// Len returns the number of appended activities.
func (b *RecordBuilder) Len() int {
	return len(b.rec.Activities)
}

// Commit hands the record to the assembler. Later calls are no-ops.
func (b *RecordBuilder) Commit() {
	if b.committed {
		return
	}
	b.committed = true
	b.a.records = append(b.a.records, b.rec)
}

// Finalize computes the statistics and returns the result. The assembler
// must not be used afterwards.
func (a *Assembler) Finalize(meta Meta) (*HarvestResult, error) {
	if a.finalized {
		return nil, fmt.Errorf("assembler already finalized")
	}
	a.finalized = true

	records := a.records
	if records == nil {
		records = []TicketRecord{}
	}
	ids := a.ids
	if ids == nil {
		ids = []string{}
	}

	encoded, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to size records: %w", err)
	}

	stats := Stats{
		TicketCount: len(records),
		ByteSize:    int64(len(encoded)),
		Submitted:   len(ids),
		Skipped:     len(a.skipped),
		SkippedIDs:  a.skipped,
		Found:       meta.Found,
		Truncated:   meta.Truncated,
		Cancelled:   meta.Cancelled,
	}
	for _, r := range records {
		stats.ActivityCount += len(r.Activities)
		if len(r.Activities) == 0 {
			stats.EmptyTickets++
		}
	}

	res := &HarvestResult{
		Records:      records,
		ProcessedIDs: ids,
		Stats:        stats,
		Meta:         meta,
	}
	var lines lineCounter
	if err := WriteReport(&lines, res); err != nil {
		return nil, fmt.Errorf("failed to size report: %w", err)
	}
	res.Stats.ReportLines = int(lines)
	return res, nil
}

// lineCounter counts the newlines written to it.
type lineCounter int

func (n *lineCounter) Write(p []byte) (int, error) {
	*n += lineCounter(bytes.Count(p, []byte{'\n'}))
	return len(p), nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
