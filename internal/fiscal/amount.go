package fiscal

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var nonAmountChars = regexp.MustCompile(`[^0-9.,]`)

// ParseAmount converts a localized numeric string into a decimal amount.
// OCR text mixes 1.234,56 and 1,234.56 freely, so the rightmost separator is
// taken as the decimal point when both appear. Unparsable input yields zero.
func ParseAmount(raw string) decimal.Decimal {
	s := nonAmountChars.ReplaceAllString(raw, "")

	comma := strings.LastIndex(s, ",")
	period := strings.LastIndex(s, ".")

	switch {
	case comma >= 0 && period >= 0:
		if comma > period {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		// Trailing comma or comma-only input: the comma is the decimal point.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}

	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
