package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/harvestd/internal/carrier"
	"github.com/fyrsmithlabs/harvestd/internal/daktela"
)

func TestIdentify(t *testing.T) {
	c := Default()

	tests := []struct {
		name     string
		title    string
		email    string
		internal bool
		want     string
	}{
		{"internal agent bare", "Balíkobot", "", true, "Balíkobot"},
		{"internal agent case-insensitive", "BALÍKOBOT", "", true, "Balíkobot"},
		{"internal named user", "Petra", "", true, "Balíkobot (Petra)"},
		{"internal empty title", "", "", true, "Balíkobot"},
		{"agent in contact title", "Balíkobot notifikace", "", false, "Balíkobot"},
		{"agent in address without diacritics", "", "podpora@balikobot.cz", false, "Balíkobot"},
		{"carrier by .com address", "Kate", "ops@dpd.com", false, "Carrier (DPD)"},
		{"carrier by domain prefix", "Kate", "kate@gls.cz", false, "Carrier (GLS)"},
		{"carrier by title", "PPL CZ s.r.o.", "info@example.cz", false, "Carrier (PPL)"},
		{"carrier with diacritics", "Česká pošta, s.p.", "", false, "Carrier (Česká pošta)"},
		{"declaration order wins", "DPD", "x@ppl.cz", false, "Carrier (PPL)"},
		{"customer", "Jan Novák", "jan@example.cz", false, "Customer (Jan Novák)"},
		{"anonymous customer", "", "", false, "Customer"},
		{"slug inside other domain is not a match", "", "me@notdpd.cz", false, "Customer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Identify(tt.title, tt.email, tt.internal))
		})
	}
}

func TestNew_CustomAgentAndRegistry(t *testing.T) {
	c := New("Podpora", carrier.NewRegistry([]carrier.Carrier{{Slug: "acme", Name: "Acme Express"}}))
	assert.Equal(t, "Podpora", c.Agent())
	assert.Equal(t, "Podpora (Eva)", c.Identify("Eva", "", true))
	assert.Equal(t, "Carrier (Acme Express)", c.Identify("", "desk@acme.com", false))
	assert.Equal(t, "Customer (DPD)", c.Identify("DPD", "", false))
}

func TestResolve(t *testing.T) {
	c := Default()
	contact := &daktela.Party{Title: "Jan Novák"}
	user := &daktela.Party{Title: "Petra"}

	tests := []struct {
		name string
		act  daktela.RawActivity
		want Parties
	}{
		{
			name: "inbound email",
			act: daktela.RawActivity{Type: "EMAIL", Contact: contact, User: user,
				Item: &daktela.ActivityItem{Text: "x", Address: "jan@example.cz", Direction: "in"}},
			want: Parties{Type: "EMAIL", Sender: "Customer (Jan Novák)", Recipient: "Balíkobot"},
		},
		{
			name: "outbound email",
			act: daktela.RawActivity{Type: "email", Contact: contact, User: user,
				Item: &daktela.ActivityItem{Text: "x", Direction: "out"}},
			want: Parties{Type: "EMAIL", Sender: "Balíkobot (Petra)", Recipient: "Customer (Jan Novák)"},
		},
		{
			name: "inbound from carrier address",
			act: daktela.RawActivity{Type: "EMAIL", Contact: &daktela.Party{Title: "Dispečink"},
				Item: &daktela.ActivityItem{Address: "dispecink@dpd.com", Direction: "IN"}},
			want: Parties{Type: "EMAIL", Sender: "Carrier (DPD)", Recipient: "Balíkobot"},
		},
		{
			name: "comment type",
			act:  daktela.RawActivity{Type: "comment", User: user, Contact: contact, Description: "pozn."},
			want: Parties{Type: "COMMENT", Sender: "Balíkobot (Petra)", Comment: true},
		},
		{
			name: "untyped with description is a comment",
			act:  daktela.RawActivity{Description: "interní poznámka"},
			want: Parties{Type: "COMMENT", Sender: "Balíkobot", Comment: true},
		},
		{
			name: "untyped without description defaults to email",
			act:  daktela.RawActivity{Item: &daktela.ActivityItem{Text: "ahoj"}},
			want: Parties{Type: "EMAIL", Sender: "Balíkobot", Recipient: "Customer"},
		},
		{
			name: "other types are upper-cased",
			act:  daktela.RawActivity{Type: "call", User: user},
			want: Parties{Type: "CALL", Sender: "Balíkobot (Petra)", Recipient: "Customer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Resolve(tt.act)
			assert.Equal(t, tt.want, got)
			if got.Comment {
				assert.Empty(t, got.Recipient)
			}
		})
	}
}
