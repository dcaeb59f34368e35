package fiscal

import "strings"

// DocType is the document category derived from the fiscal identifier prefix.
type DocType string

const (
	DocTypeUnknown  DocType = "UNKNOWN"
	DocTypeConsumer DocType = "TYPE_A_CONSUMER"
	DocTypeCredit   DocType = "TYPE_A_CREDIT"
	DocTypePresumed DocType = "TYPE_A_PRESUMED"
)

// String reports UNKNOWN for a record that was never classified
func (t DocType) String() string {
	if t == "" {
		return string(DocTypeUnknown)
	}
	return string(t)
}

// Classify derives the document type from an NCF. A missing identifier is
// classified as presumed, the same as an unrecognised prefix.
func Classify(ncf string) DocType {
	switch {
	case strings.HasPrefix(ncf, "B02"), strings.HasPrefix(ncf, "B05"):
		return DocTypeConsumer
	case strings.HasPrefix(ncf, "B01"):
		return DocTypeCredit
	default:
		return DocTypePresumed
	}
}
