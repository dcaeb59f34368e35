package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// transcribePrompt is the shared prompt used by all LLM providers for reading fiscal invoices
const transcribePrompt = `You are an OCR engine reading a scanned fiscal invoice from the Dominican Republic.
Transcribe every piece of text printed on the document exactly as it appears, top to bottom, one printed line per output line.

Important:
- Do not summarize, translate, correct or reformat anything
- Keep numbers exactly as printed, including thousands separators and decimal commas (e.g. 1,234.56 or 1.234,56)
- Keep labels such as NCF, RNC, Cédula, ITBIS, IVA, TOTAL, NETO and dates exactly as printed
- Do not add explanations, headings or markdown code blocks
- If the image contains no readable text, answer with exactly: NO_TEXT`

// noTextMarker is the answer the model gives for an unreadable document
const noTextMarker = "NO_TEXT"

// heicBrands are the ftyp brands written by HEIC/HEIF encoders
var heicBrands = map[string]bool{"heic": true, "heix": true, "heif": true, "mif1": true, "msf1": true}

// renderFirstPage rasterizes page one of a PDF. Fiscal invoices fit on a single page.
func renderFirstPage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF photos
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("unsupported image format (want JPEG, PNG, GIF, HEIC or PDF): %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat sniffs the ISO-BMFF ftyp box at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	return heicBrands[string(data[8:12])]
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData turns an uploaded document into PNG bytes for the vision model.
// It returns the PNG data, its MIME type and whether a conversion happened.
func prepareImageData(data []byte, contentType string) ([]byte, string, bool, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "image/png" && !isHEICFormat(data) {
		return data, "image/png", false, nil
	}

	var (
		img image.Image
		err error
	)
	if mimeType == "application/pdf" {
		img, err = renderFirstPage(data)
	} else {
		img, err = decodeImage(data, mimeType)
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("converting %s to PNG: %w", mimeType, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", false, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), "image/png", true, nil
}
