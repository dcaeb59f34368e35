package scanning

import "errors"

// ErrNoText is returned when the OCR engine produced no usable text
var ErrNoText = errors.New("no text recognized in document")

// Scanner defines the interface for turning a document image into raw text
type Scanner interface {
	// ExtractText transcribes the text printed on an image/PDF
	ExtractText(imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}
