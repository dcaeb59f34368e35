package fiscal

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Fields holds what Extract found in a piece of OCR text.
// Empty strings mean the field was not found.
type Fields struct {
	NCF         string
	TaxID       string
	Date        string
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
}

// groupedAmount matches 1-3 leading digits, thousands groups and a two digit fraction,
// with either comma or period as separators.
const groupedAmount = `(\d{1,3}(?:[.,]\d{3})*[.,]\d{2})`

var (
	lineBreaks = regexp.MustCompile(`[\r\n\t]+`)

	// Identifiers are only read after their label; the separator run after it may be empty.
	ncfPattern = regexp.MustCompile(`\b(?:E-?NCF|NCF|COMPROBANTE)[:\s]*([A-Z]{1,2}\d{2,3}[-\s]?\d{8,15})`)

	// A digit run longer than 13 (phone or account numbers) is not a tax id.
	taxIDPattern = regexp.MustCompile(`(?:RNC|CÉDULA|CEDULA)[:\s]+(\d{9,13})\b`)
	taxPattern   = regexp.MustCompile(`\b(?:ITBIS|IVA)[:\s]+` + groupedAmount)
	totalPattern = regexp.MustCompile(`\b(?:GRAN TOTAL|TOTAL|NETO)[:\s]+` + groupedAmount)
	datePattern  = regexp.MustCompile(`\b(\d{1,2}[-/]\d{1,2}[-/](?:\d{4}|\d{2}))\b`)

	identifierSeparators = regexp.MustCompile(`[-\s]`)
)

// Normalize collapses line breaks and tabs into single spaces and upper-cases the text.
func Normalize(raw string) string {
	return strings.ToUpper(lineBreaks.ReplaceAllString(raw, " "))
}

// Extract scans raw OCR text for fiscal fields. Each field is searched
// independently and the first occurrence in the text wins.
func Extract(raw string) Fields {
	text := Normalize(raw)

	var f Fields
	if m := ncfPattern.FindStringSubmatch(text); m != nil {
		f.NCF = identifierSeparators.ReplaceAllString(m[1], "")
	}
	if m := taxIDPattern.FindStringSubmatch(text); m != nil {
		f.TaxID = m[1]
	}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		f.Date = m[1]
	}

	f.TaxAmount = firstAmount(taxPattern, text)
	f.TotalAmount = firstAmount(totalPattern, text)
	return f
}

func firstAmount(re *regexp.Regexp, text string) decimal.Decimal {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero
	}
	return ParseAmount(m[1])
}
