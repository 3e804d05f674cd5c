package pipeline

import (
	"strings"

	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/internal/optimize"
)

// Row is the unit of work for one CSV data record.
//
// Originals are fixed once processing starts. Enhanced fields start empty and are
// written once, by the processor, when the row completes. Loading belongs to the
// consumer.
type Row struct {
	OriginalTitle       string `json:"original_title"`
	OriginalDescription string `json:"original_description"`
	EnhancedTitle       string `json:"enhanced_title"`
	EnhancedDescription string `json:"enhanced_description"`
	Loading             bool   `json:"loading"`
}

// RowsFromRecords builds rows from parsed data records using the column mapping. A
// role mapped to -1, or a record too short to reach its column, yields "".
func RowsFromRecords(records [][]string, m columns.Mapping) []Row {
	rows := make([]Row, len(records))
	for i, rec := range records {
		rows[i] = Row{
			OriginalTitle:       field(rec, m.Title),
			OriginalDescription: field(rec, m.Description),
		}
	}
	return rows
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

// Preprocess backfills a missing original field from the one that is present. The
// inferred value is treated as user input for the rest of the run.
func Preprocess(rows []Row) {
	for i := range rows {
		r := &rows[i]
		title := strings.TrimSpace(r.OriginalTitle)
		desc := strings.TrimSpace(r.OriginalDescription)
		switch {
		case title == "" && desc != "":
			r.OriginalTitle = optimize.TitleFromDescription(desc)
		case desc == "" && title != "":
			r.OriginalDescription = optimize.DescriptionFromTitle(title)
		}
	}
}
