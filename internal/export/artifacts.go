package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fyrsmithlabs/harvestd/internal/sanitize"
)

// Artifact formats accepted by WriteAll.
const (
	FormatJSON   = "json"
	FormatIDs    = "ids"
	FormatReport = "report"
	FormatXLSX   = "xlsx"
)

var (
	banner       = strings.Repeat("#", 80)
	idRule       = strings.Repeat("-", 30)
	activityRule = "  " + strings.Repeat("-", 40)
	activityEnd  = "  " + strings.Repeat(". ", 20)
)

// WriteJSON writes the whole result as indented JSON.
func WriteJSON(w io.Writer, res *HarvestResult) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// WriteIDList writes the plain-text list of submitted ticket ids.
func WriteIDList(w io.Writer, res *HarvestResult) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "SEZNAM ID TICKETŮ\nFiltr: %s\nObdobí: %s\n%s\n", res.Meta.FilterLabel(), res.Meta.Period(), idRule)
	for _, id := range res.ProcessedIDs {
		bw.WriteString(id)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteReport writes the human-readable conversation report.
func WriteReport(w io.Writer, res *HarvestResult) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n### EXPORT: %s\n### OBDOBÍ: %s\n%s\n", banner, res.Meta.FilterLabel(), res.Meta.Period(), banner)

	for _, rec := range res.Records {
		fmt.Fprintf(bw, "\n\n%s\n### TICKET č. %s | %s\n", banner, rec.Number, rec.Name)
		fmt.Fprintf(bw, "### %s | %s | %s | %s %s\n%s\n\n", rec.ClientType, rec.Category, rec.Status, rec.CreatedDate, rec.CreatedTime, banner)

		for _, act := range rec.Activities {
			fmt.Fprintf(bw, "  --- AKTIVITA (%s) | %s %s ---\n", activityLabel(act.Type), act.Date, act.Time)
			fmt.Fprintf(bw, "  SMĚR: %s\n%s\n", direction(act), activityRule)
			for _, line := range strings.Split(act.Text, "\n") {
				bw.WriteString("    ")
				bw.WriteString(line)
				bw.WriteByte('\n')
			}
			fmt.Fprintf(bw, "\n%s\n\n", activityEnd)
		}
	}
	return bw.Flush()
}

func activityLabel(typ string) string {
	switch typ {
	case typeComment:
		return "komentář"
	case "EMAIL", "":
		return "e-mail"
	default:
		return strings.ToLower(typ)
	}
}

func direction(act SanitizedActivity) string {
	if act.Type == typeComment {
		return "INTERNÍ POZNÁMKA (" + act.Sender + ")"
	}
	return act.Sender + " >>>> " + act.Recipient
}

// artifact maps a format to its file prefix, extension and writer.
type artifact struct {
	prefix string
	ext    string
	write  func(io.Writer, *HarvestResult) error
}

var artifacts = map[string]artifact{
	FormatJSON:   {prefix: "export", ext: "json", write: WriteJSON},
	FormatIDs:    {prefix: "seznam_id", ext: "txt", write: WriteIDList},
	FormatReport: {prefix: "report", ext: "txt", write: WriteReport},
	FormatXLSX:   {prefix: "export", ext: "xlsx", write: WriteXLSX},
}

// ErrUnknownFormat is returned for formats WriteAll cannot render.
var ErrUnknownFormat = errors.New("unknown export format")

// WriteAll renders every format into dir, naming files after the category
// label, e.g. report_reklamace.txt. It returns the written paths in format
// order.
func WriteAll(dir string, res *HarvestResult, formats []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	paths := make([]string, 0, len(formats))
	for _, format := range formats {
		a, ok := artifacts[format]
		if !ok {
			return paths, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
		}
		path, err := sanitize.ArtifactPath(dir, a.prefix, res.Meta.CategoryLabel, a.ext)
		if err != nil {
			return paths, err
		}
		if err := writeFile(path, res, a.write); err != nil {
			return paths, fmt.Errorf("write %s: %w", format, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, res *HarvestResult, write func(io.Writer, *HarvestResult) error) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return write(f, res)
}
