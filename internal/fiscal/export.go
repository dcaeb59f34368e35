package fiscal

import (
	"bytes"
	"fmt"
	"strings"
)

// ExportHeader is the first line of every ledger file
const ExportHeader = "RNC|NCF|FECHA|MONTO_ITBIS|MONTO_TOTAL|TIPO_DOC"

const (
	missingID   = "0"
	missingDate = "00/00/0000"
)

// Render serializes records into the pipe-delimited ledger format, one line
// per record in the given order, each line terminated by a single newline.
func Render(records []Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(ExportHeader)
	buf.WriteByte('\n')
	for _, r := range records {
		buf.WriteString(renderLine(r))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func renderLine(r Record) string {
	return strings.Join([]string{
		orDefault(r.TaxID, missingID),
		orDefault(r.NCF, missingID),
		orDefault(r.Date, missingDate),
		r.TaxAmount.StringFixed(2),
		r.TotalAmount.StringFixed(2),
		r.DocType.String(),
	}, "|")
}

// ExportFilename returns the suggested name for a file holding count records
func ExportFilename(count int) string {
	return fmt.Sprintf("Registros_%d.txt", count)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
