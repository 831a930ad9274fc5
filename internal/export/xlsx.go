package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	sheetActivities = "Aktivity"
	sheetTickets    = "Tickety"
	sheetSummary    = "Souhrn"

	// Excel rejects cells longer than this.
	maxCellLength = 32767
)

var (
	activityHeaders = []string{"Ticket", "Předmět", "Klient", "#", "Typ", "Odesílatel", "Příjemce", "Datum", "Čas", "Text"}
	ticketHeaders   = []string{"Ticket", "Předmět", "Klient", "Kategorie", "Status", "Vytvořeno", "Čas", "Aktivit"}
)

// WriteXLSX writes a workbook with one row per activity, one row per
// ticket and a summary sheet.
func WriteXLSX(w io.Writer, res *HarvestResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetActivities); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	for _, name := range []string{sheetTickets, sheetSummary} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("xlsx sheet: %w", err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}

	if err := writeHeader(f, sheetActivities, activityHeaders, bold); err != nil {
		return err
	}
	if err := writeHeader(f, sheetTickets, ticketHeaders, bold); err != nil {
		return err
	}

	actRow, ticketRow := 2, 2
	for _, rec := range res.Records {
		if err := writeRow(f, sheetTickets, ticketRow, []any{
			rec.Number, rec.Name, rec.ClientType, rec.Category, rec.Status,
			rec.CreatedDate, rec.CreatedTime, len(rec.Activities),
		}); err != nil {
			return err
		}
		ticketRow++

		for _, act := range rec.Activities {
			if err := writeRow(f, sheetActivities, actRow, []any{
				rec.Number, rec.Name, rec.ClientType, act.Index, act.Type,
				act.Sender, act.Recipient, act.Date, act.Time, cellText(act.Text),
			}); err != nil {
				return err
			}
			actRow++
		}
	}
	if actRow > 2 {
		if err := f.SetCellStyle(sheetActivities, "J2", fmt.Sprintf("J%d", actRow-1), wrap); err != nil {
			return fmt.Errorf("xlsx style: %w", err)
		}
	}

	summary := [][]any{
		{"Filtr", res.Meta.FilterLabel()},
		{"Období", res.Meta.Period()},
		{"Nalezeno", res.Stats.Found},
		{"Zpracováno", res.Stats.Submitted},
		{"Ticketů", res.Stats.TicketCount},
		{"Aktivit", res.Stats.ActivityCount},
		{"Přeskočeno", res.Stats.Skipped},
		{"Bez aktivit", res.Stats.EmptyTickets},
		{"Velikost (B)", res.Stats.ByteSize},
		{"Zkráceno", yesNo(res.Stats.Truncated)},
		{"Zastaveno", yesNo(res.Stats.Cancelled)},
	}
	for i, row := range summary {
		if err := writeRow(f, sheetSummary, i+1, row); err != nil {
			return err
		}
	}
	_ = f.SetColStyle(sheetSummary, "A", bold)

	_ = f.SetColWidth(sheetActivities, "A", "A", 10)
	_ = f.SetColWidth(sheetActivities, "B", "B", 32)
	_ = f.SetColWidth(sheetActivities, "F", "G", 28)
	_ = f.SetColWidth(sheetActivities, "J", "J", 80)
	_ = f.SetColWidth(sheetTickets, "B", "B", 40)
	_ = f.SetColWidth(sheetSummary, "A", "B", 24)

	if idx, err := f.GetSheetIndex(sheetActivities); err == nil {
		f.SetActiveSheet(idx)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := writeRow(f, sheet, 1, row); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("xlsx row %s!%d: %w", sheet, row, err)
	}
	return nil
}

func cellText(s string) string {
	if len(s) <= maxCellLength {
		return s
	}
	// Back off to a rune boundary.
	cut := maxCellLength - 3
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

func yesNo(b bool) string {
	if b {
		return "ano"
	}
	return "ne"
}
