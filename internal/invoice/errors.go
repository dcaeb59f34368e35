package invoice

import "errors"

var (
	// ErrScanFailed means the OCR collaborator could not read the document. Nothing was stored.
	ErrScanFailed = errors.New("document could not be read")

	// ErrNotSaved means the record store rejected a write. The in-memory ledger was not updated.
	ErrNotSaved = errors.New("record was not saved")

	// ErrNoPendingRecords is returned when an export is requested for an owner with nothing pending
	ErrNoPendingRecords = errors.New("no pending records to export")

	// ErrRecordNotFound means the owner has no record with that ID, or the record has no archived upload
	ErrRecordNotFound = errors.New("record not found")
)
