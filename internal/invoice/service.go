package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/kontabot/internal/fiscal"
	"github.com/zombor/kontabot/internal/ledger"
	"github.com/zombor/kontabot/internal/scanning"
)

const defaultBatchLimit = 4

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Result is what an owner sees after a document has been processed
type Result struct {
	Record  fiscal.Record `json:"record"`
	Summary string        `json:"summary"`
	Pending int           `json:"pending"`
}

// Document is one uploaded file of a batch
type Document struct {
	Filename    string
	Data        []byte
	ContentType string
}

// BatchResult pairs a batch document with its outcome. Exactly one of Result and Err is set.
type BatchResult struct {
	Filename string  `json:"filename"`
	Result   *Result `json:"result,omitempty"`
	Err      error   `json:"-"`
}

// Export is a rendered ledger file ready to hand to the owner
type Export struct {
	Filename string
	Data     []byte
	Records  []fiscal.Record
}

// Service turns documents into ledger records and ledger records into export files
type Service struct {
	store       ledger.Store
	ledger      *ledger.Ledger
	scanner     scanning.Scanner
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	batchLimit  int

	exportLocks sync.Map // int64 -> *sync.Mutex
}

// NewService creates a new Service with an empty ledger, uuid record IDs and the wall clock.
// Call Load to bring the ledger up to date with the store.
func NewService(store ledger.Store, scanner scanning.Scanner, storage Storage) *Service {
	return NewServiceWithDeps(store, ledger.New(), scanner, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store ledger.Store, l *ledger.Ledger, scanner scanning.Scanner, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		store:       store,
		ledger:      l,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		batchLimit:  defaultBatchLimit,
	}
}

// SetBatchLimit bounds how many documents of one batch are scanned at the same time
func (s *Service) SetBatchLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	s.batchLimit = limit
}

// Load restores the in-memory ledger from the store
func (s *Service) Load() error {
	records, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	s.ledger.Restore(records)
	slog.Info("Ledger restored", "records", len(records))
	return nil
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename keeps phone-generated names short and filesystem safe
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// ProcessDocument archives an uploaded document, reads it through the scanner and records
// the extracted fields in the owner's ledger.
func (s *Service) ProcessDocument(ownerID int64, filename string, data []byte, contentType string) (*Result, error) {
	id := s.idGenerator.Generate()
	name := fmt.Sprintf("%d/%s_%s", ownerID, id, sanitizeFilename(filename))

	savedPath, err := s.storage.Save(name, data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	text, err := s.scanner.ExtractText(data, contentType)
	if err != nil {
		slog.Error("Failed to scan document",
			"owner", ownerID,
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.discard(savedPath)
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	result, err := s.record(ownerID, id, text, func(r *fiscal.Record) {
		r.SourceFile = savedPath
		r.ContentType = contentType
	})
	if err != nil {
		s.discard(savedPath)
		return nil, err
	}
	return result, nil
}

// ProcessText records the fields found in text that was already recognized elsewhere
func (s *Service) ProcessText(ownerID int64, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, scanning.ErrNoText)
	}
	return s.record(ownerID, s.idGenerator.Generate(), text, nil)
}

// ProcessDocuments handles a batch of uploads in parallel. Results keep the order of docs
// and a failing document does not stop the others.
func (s *Service) ProcessDocuments(ctx context.Context, ownerID int64, docs []Document) []BatchResult {
	results := make([]BatchResult, len(docs))

	var g errgroup.Group
	g.SetLimit(s.batchLimit)
	for i, doc := range docs {
		results[i].Filename = doc.Filename
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = s.ProcessDocument(ownerID, doc.Filename, doc.Data, doc.ContentType)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// record extracts, persists and then caches one record. The store is written first so the
// ledger never shows a record that was not saved.
func (s *Service) record(ownerID int64, id, text string, decorate func(*fiscal.Record)) (*Result, error) {
	record := fiscal.BuildRecord(fiscal.Extract(text), ownerID, s.timeSource.Now())
	record.ID = id
	if decorate != nil {
		decorate(&record)
	}

	if err := s.store.Append(record); err != nil {
		slog.Error("Failed to persist record", "owner", ownerID, "record_id", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNotSaved, err)
	}
	s.ledger.Append(record)

	pending := len(s.ledger.PendingFor(ownerID))
	slog.Info("Record extracted",
		"owner", ownerID,
		"record_id", id,
		"ncf", record.NCF,
		"doc_type", record.DocType,
		"pending", pending,
	)

	return &Result{
		Record:  record,
		Summary: fiscal.Summary(record),
		Pending: pending,
	}, nil
}

func (s *Service) discard(path string) {
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}

// PendingFor returns the owner's records waiting to be exported
func (s *Service) PendingFor(ownerID int64) []fiscal.Record {
	return s.ledger.PendingFor(ownerID)
}

// Records returns the owner's full history
func (s *Service) Records(ownerID int64) []fiscal.Record {
	return s.ledger.Records(ownerID)
}

// GetRecordFile returns the archived upload behind a record
func (s *Service) GetRecordFile(ownerID int64, id string) ([]byte, string, error) {
	for _, record := range s.ledger.Records(ownerID) {
		if record.ID != id {
			continue
		}
		if record.SourceFile == "" {
			return nil, "", fmt.Errorf("record %s has no file: %w", id, ErrRecordNotFound)
		}
		data, err := s.storage.Get(record.SourceFile)
		if err != nil {
			return nil, "", fmt.Errorf("getting record file: %w", err)
		}
		return data, record.ContentType, nil
	}
	return nil, "", fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
}

func (s *Service) exportLock(ownerID int64) *sync.Mutex {
	mu, _ := s.exportLocks.LoadOrStore(ownerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Export renders the owner's pending records, archives the file and marks the records
// exported. Exports for one owner run one at a time so a record is never exported twice.
func (s *Service) Export(ownerID int64) (*Export, error) {
	mu := s.exportLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	began := time.Now()
	pending := s.ledger.PendingFor(ownerID)
	if len(pending) == 0 {
		return nil, ErrNoPendingRecords
	}

	export := &Export{
		Filename: fiscal.ExportFilename(len(pending)),
		Data:     fiscal.Render(pending),
		Records:  pending,
	}

	archive := fmt.Sprintf("%d/exports/%s_%s", ownerID, s.timeSource.Now().UTC().Format("20060102T150405"), export.Filename)
	if _, err := s.storage.Save(archive, export.Data); err != nil {
		return nil, fmt.Errorf("archiving export: %w", err)
	}

	if err := s.store.MarkExported(pending); err != nil {
		s.discard(archive)
		return nil, fmt.Errorf("%w: marking exported: %w", ErrNotSaved, err)
	}
	marked := s.ledger.MarkExported(pending...)

	slog.Info("Export generated",
		"owner", ownerID,
		"rows", len(pending),
		"marked", marked,
		"file", archive,
		"elapsed_ms", time.Since(began).Milliseconds(),
	)
	return export, nil
}
