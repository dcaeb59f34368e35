package fiscal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the export lifecycle state of a record
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusExported Status = "EXPORTED"
)

const notFound = "not found"

// Record represents an extracted and classified fiscal document
type Record struct {
	ID          string          `json:"id"`
	NCF         string          `json:"ncf,omitempty"`
	TaxID       string          `json:"tax_id,omitempty"`
	Date        string          `json:"date,omitempty"` // Raw token as printed on the invoice
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	DocType     DocType         `json:"doc_type"`
	OwnerID     int64           `json:"owner_id"`
	SourceFile  string          `json:"source_file,omitempty"` // Archived upload, empty for text submissions
	ContentType string          `json:"content_type,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`
}

// BuildRecord assembles a pending record from extracted fields. It never fails:
// a record with every field absent is still a valid record.
func BuildRecord(fields Fields, ownerID int64, now time.Time) Record {
	return Record{
		NCF:         fields.NCF,
		TaxID:       fields.TaxID,
		Date:        fields.Date,
		TaxAmount:   nonNegative(fields.TaxAmount),
		TotalAmount: nonNegative(fields.TotalAmount),
		DocType:     Classify(fields.NCF),
		OwnerID:     ownerID,
		CreatedAt:   now,
		Status:      StatusPending,
	}
}

// Pending reports whether the record has not been exported yet
func (r Record) Pending() bool {
	return r.Status == StatusPending
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Summary renders the record for display after an extraction
func Summary(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NCF: %s\n", orNotFound(r.NCF))
	fmt.Fprintf(&b, "RNC/Cédula: %s\n", orNotFound(r.TaxID))
	fmt.Fprintf(&b, "Date: %s\n", orNotFound(r.Date))
	fmt.Fprintf(&b, "ITBIS: RD$ %s\n", r.TaxAmount.StringFixed(2))
	fmt.Fprintf(&b, "Total: RD$ %s\n", r.TotalAmount.StringFixed(2))
	fmt.Fprintf(&b, "Document type: %s\n", r.DocType)
	fmt.Fprintf(&b, "Owner: %d\n", r.OwnerID)
	fmt.Fprintf(&b, "Extracted at: %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	return b.String()
}

func orNotFound(s string) string {
	if s == "" {
		return notFound
	}
	return s
}
