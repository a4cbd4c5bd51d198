package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default report errs class.
var Error = errs.Class("report")

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Formats accepted by Export
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// document is the JSON export envelope
type document struct {
	Metadata struct {
		ExportedAt time.Time `json:"exported_at"`
		Format     string    `json:"format"`
		Version    string    `json:"version"`
	} `json:"metadata"`
	Report Report `json:"report"`
}

// Export writes r in the given format
func Export(w io.Writer, r Report, format string) error {
	switch format {
	case FormatJSON, "":
		return ExportJSON(w, r)
	case FormatCSV:
		return ExportCSV(w, r)
	}
	return Error.New("unsupported format %q", format)
}

// ExportJSON writes r with export metadata as indented JSON
func ExportJSON(w io.Writer, r Report) error {
	var doc document
	doc.Metadata.ExportedAt = time.Now()
	doc.Metadata.Format = FormatJSON
	doc.Metadata.Version = FormatVersion
	doc.Report = r

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return Error.New("failed to encode JSON: %v", err)
	}
	return nil
}

// csvHeader lists one column per outcome field
var csvHeader = []string{
	"run_id", "date_key", "source", "destination", "status",
	"merged_count", "merged_bytes", "output_key", "attempts",
	"error_kind", "error_type", "error", "duration_ms",
}

// ExportCSV writes one row per outcome
func ExportCSV(w io.Writer, r Report) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return Error.New("failed to write CSV header: %v", err)
	}

	for _, out := range r.Outcomes {
		row := []string{
			r.RunID,
			out.Partition.DateKey,
			out.Partition.Source.String(),
			out.Partition.Dest.String(),
			string(out.Status),
			strconv.Itoa(out.MergedCount),
			strconv.FormatInt(out.MergedBytes, 10),
			out.OutputKey,
			strconv.Itoa(out.Attempts),
			string(out.ErrorKind),
			out.ErrorType,
			out.Error,
			strconv.FormatInt(out.Duration.Milliseconds(), 10),
		}
		if err := writer.Write(row); err != nil {
			return Error.New("failed to write CSV row: %v", err)
		}
	}

	writer.Flush()
	return Error.Wrap(writer.Error())
}

// ImportJSON reads a report written by ExportJSON
func ImportJSON(r io.Reader) (Report, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Report{}, Error.New("failed to decode JSON: %v", err)
	}
	if doc.Metadata.Version != FormatVersion {
		return Report{}, Error.New("unsupported export version %q", doc.Metadata.Version)
	}
	doc.Report.Tally()
	return doc.Report, nil
}
