package daktela

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// envelope is the common response shape {"result":{"data":[...],"total":n}}.
type envelope[T any] struct {
	Result struct {
		Data  []T `json:"data"`
		Total int `json:"total"`
	} `json:"result"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		// Objects, arrays and booleans carry no usable scalar.
		*s = ""
		return nil
	}
	*s = flexString(n.String())
	return nil
}

// wireRef is a linked record. The API sends either an expanded object, the
// bare record name, or null, depending on the requested fields.
type wireRef struct {
	Name  string
	Title string
	Email string
	set   bool
}

func (r *wireRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*r = wireRef{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '{':
		var obj struct {
			Name  flexString `json:"name"`
			Title flexString `json:"title"`
			Email flexString `json:"email"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*r = wireRef{Name: string(obj.Name), Title: string(obj.Title), Email: string(obj.Email), set: true}
	case '"':
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*r = wireRef{Name: name, set: name != ""}
	}
	return nil
}

type wireTicket struct {
	Name         flexString      `json:"name"`
	Title        flexString      `json:"title"`
	Created      flexString      `json:"created"`
	Category     wireRef         `json:"category"`
	Statuses     json.RawMessage `json:"statuses"`
	CustomFields json.RawMessage `json:"customFields"`
}

func (w wireTicket) summary() TicketSummary {
	return TicketSummary{
		ID:            string(w.Name),
		Title:         strings.TrimSpace(string(w.Title)),
		CreatedAt:     parseTime(string(w.Created)),
		CategoryTitle: w.Category.label(),
		StatusTitle:   firstStatusTitle(w.Statuses),
		CustomFields:  decodeObject(w.CustomFields),
	}
}

func (r wireRef) label() string {
	if r.Title != "" {
		return r.Title
	}
	return r.Name
}

// firstStatusTitle returns the title of the first element when statuses is
// a non-empty array, else "".
func firstStatusTitle(raw json.RawMessage) string {
	var items []wireRef
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return ""
	}
	return items[0].label()
}

// decodeObject returns raw as a map, or nil when it is not a JSON object.
// Empty custom fields arrive as [] rather than {}.
func decodeObject(raw json.RawMessage) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

type wireItem struct {
	Text      flexString `json:"text"`
	Address   flexString `json:"address"`
	Direction flexString `json:"direction"`
}

type wireActivity struct {
	Name        flexString      `json:"name"`
	Time        flexString      `json:"time"`
	Type        flexString      `json:"type"`
	Description flexString      `json:"description"`
	Item        json.RawMessage `json:"item"`
	User        wireRef         `json:"user"`
	Contact     wireRef         `json:"contact"`
	Ticket      wireRef         `json:"ticket"`
}

func (w wireActivity) activity() RawActivity {
	a := RawActivity{
		Name:        string(w.Name),
		Time:        parseTime(string(w.Time)),
		Type:        strings.TrimSpace(string(w.Type)),
		Description: string(w.Description),
		User:        w.User.party(),
		Contact:     w.Contact.party(),
	}
	if w.Ticket.set {
		a.Ticket = &TicketRef{Name: w.Ticket.Name, Title: w.Ticket.Title}
	}
	// Items differ per channel; only object payloads carry message fields.
	if raw := bytes.TrimSpace(w.Item); len(raw) > 0 && raw[0] == '{' {
		var it wireItem
		if err := json.Unmarshal(raw, &it); err == nil {
			a.Item = &ActivityItem{Text: string(it.Text), Address: string(it.Address), Direction: string(it.Direction)}
		}
	}
	return a
}

func (r wireRef) party() *Party {
	if !r.set {
		return nil
	}
	return &Party{Name: r.Name, Title: r.Title, Email: r.Email}
}

type wireCodebook struct {
	Name  flexString `json:"name"`
	Title flexString `json:"title"`
}

func (w wireCodebook) entry() CodebookEntry {
	return CodebookEntry{Name: string(w.Name), Title: string(w.Title)}
}

// parseTime reads a wire timestamp; unparsable values yield the zero time,
// which sorts first.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		if unix, uerr := strconv.ParseInt(s, 10, 64); uerr == nil {
			return time.Unix(unix, 0).UTC()
		}
		return time.Time{}
	}
	return t
}
