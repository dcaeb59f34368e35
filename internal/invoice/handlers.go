package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/kontabot/internal/fiscal"
)

// maxUploadSize covers high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// supportedContentTypes are the document formats the scanner can turn into an image
var supportedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/heic":      true,
	"image/heif":      true,
	"application/pdf": true,
}

const helpText = `Kontabot turns photos of fiscal invoices into a ledger file for the tax authority.

POST /api/owners/{owner}/documents   upload one or more invoices (multipart field "file"; JPEG, PNG, HEIC or PDF)
POST /api/owners/{owner}/text        submit already recognized text as {"text": "..."}
GET  /api/owners/{owner}/records     list records (?status=pending or ?status=exported)
GET  /api/owners/{owner}/records/{id}/file
                                     download the original upload
POST /api/owners/{owner}/exports     download pending records as Registros_<count>.txt and mark them exported

Each extraction reads the NCF, the RNC or Cédula, the date, the ITBIS and the total.
Fields that cannot be found are exported as 0, 00/00/0000 or 0.00.
`

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeServiceError maps service errors to status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrScanFailed):
		writeError(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, ErrNoPendingRecords), errors.Is(err, ErrRecordNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotSaved):
		writeError(w, "The record was not saved. Please try again.", http.StatusInternalServerError)
	default:
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// ownerID parses the {owner} path segment, writing a 400 when it is not an integer
func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("owner"), 10, 64)
	if err != nil {
		writeError(w, "Owner must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// contentTypeOf prefers the part's declared type and falls back to the file extension
func contentTypeOf(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

func readDocument(header *multipart.FileHeader) (Document, error) {
	f, err := header.Open()
	if err != nil {
		return Document{}, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Document{}, fmt.Errorf("reading upload: %w", err)
	}
	return Document{Filename: header.Filename, Data: data, ContentType: contentTypeOf(header)}, nil
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, helpText)
}

type batchItem struct {
	Filename string  `json:"filename"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// handleUploadDocuments scans one or more uploaded invoices. A single file answers with its
// Result; several files answer with one item per file in upload order.
func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	// Parse multipart form
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}

	// Read every file and check its type before scanning any of them
	docs := make([]Document, 0, len(headers))
	for _, header := range headers {
		doc, err := readDocument(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		if !supportedContentTypes[doc.ContentType] {
			writeError(w, fmt.Sprintf("Unsupported file type %q for %s. Send a JPEG, PNG, HEIC or PDF.", doc.ContentType, doc.Filename), http.StatusUnsupportedMediaType)
			return
		}
		docs = append(docs, doc)
	}

	if len(docs) == 1 {
		result, err := s.service.ProcessDocument(owner, docs[0].Filename, docs[0].Data, docs[0].ContentType)
		if err != nil {
			slog.Error("Error processing document", "owner", owner, "filename", docs[0].Filename, "error", err)
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	// Batch uploads report each file on its own
	results := s.service.ProcessDocuments(r.Context(), owner, docs)
	items := make([]batchItem, 0, len(results))
	for _, res := range results {
		item := batchItem{Filename: res.Filename, Result: res.Result}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusCreated, items)
}

func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, "Text is required", http.StatusBadRequest)
		return
	}

	result, err := s.service.ProcessText(owner, req.Text)
	if err != nil {
		slog.Error("Error processing text", "owner", owner, "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var records []fiscal.Record
	switch status := r.URL.Query().Get("status"); strings.ToLower(status) {
	case "":
		records = s.service.Records(owner)
	case "pending":
		records = s.service.PendingFor(owner)
	case "exported":
		for _, record := range s.service.Records(owner) {
			if !record.Pending() {
				records = append(records, record)
			}
		}
	default:
		writeError(w, fmt.Sprintf("Unknown status %q", status), http.StatusBadRequest)
		return
	}
	if records == nil {
		records = []fiscal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetRecordFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	data, contentType, err := s.service.GetRecordFile(owner, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleExport hands the owner's pending records over as a ledger file download
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	export, err := s.service.Export(owner)
	if err != nil {
		if !errors.Is(err, ErrNoPendingRecords) {
			slog.Error("Error generating export", "owner", owner, "error", err)
		}
		writeServiceError(w, err)
		return
	}

	// Serve as a download
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": export.Filename}))
	w.Header().Set("X-Record-Count", strconv.Itoa(len(export.Records)))
	w.Write(export.Data)
}
