// Package ledger keeps each owner's fiscal records in extraction order and
// tracks which of them are still waiting to be exported.
//
// Ledger is the in-memory view shared by all request handlers. Every owner has
// its own book guarded by its own mutex, so appends for one owner never wait on
// another owner. Store is the durable side; callers persist to the Store before
// touching the Ledger and never while holding a book's lock.
package ledger

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zombor/kontabot/internal/fiscal"
)

// Ledger is a concurrency-safe mapping from owner to ordered records
type Ledger struct {
	books sync.Map // int64 -> *book
}

type book struct {
	mu      sync.Mutex
	records []fiscal.Record
	index   map[string]int // record ID -> position in records
}

// New creates an empty Ledger
func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) book(ownerID int64) *book {
	if b, ok := l.books.Load(ownerID); ok {
		return b.(*book)
	}
	b, _ := l.books.LoadOrStore(ownerID, &book{index: make(map[string]int)})
	return b.(*book)
}

// Append adds a record to the tail of its owner's sequence and returns it as stored.
// A record without an ID is given one so it can later be marked exported.
func (l *Ledger) Append(record fiscal.Record) fiscal.Record {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	b := l.book(record.OwnerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, exists := b.index[record.ID]; exists {
		return b.records[i]
	}
	b.index[record.ID] = len(b.records)
	b.records = append(b.records, record)
	return record
}

// Restore appends records loaded from a Store, keeping their order
func (l *Ledger) Restore(records []fiscal.Record) {
	for _, r := range records {
		l.Append(r)
	}
}

// PendingFor returns the owner's records that have not been exported, in insertion order.
// Unknown owners get an empty slice.
func (l *Ledger) PendingFor(ownerID int64) []fiscal.Record {
	return l.collect(ownerID, fiscal.Record.Pending)
}

// Records returns the owner's full history, exported records included
func (l *Ledger) Records(ownerID int64) []fiscal.Record {
	return l.collect(ownerID, func(fiscal.Record) bool { return true })
}

func (l *Ledger) collect(ownerID int64, keep func(fiscal.Record) bool) []fiscal.Record {
	out := make([]fiscal.Record, 0)
	v, ok := l.books.Load(ownerID)
	if !ok {
		return out
	}
	b := v.(*book)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// MarkExported moves the given records from pending to exported and reports
// how many changed. Records the ledger does not know, or that were already
// exported, are ignored.
func (l *Ledger) MarkExported(records ...fiscal.Record) int {
	byOwner := make(map[int64][]string)
	for _, r := range records {
		byOwner[r.OwnerID] = append(byOwner[r.OwnerID], r.ID)
	}

	marked := 0
	for ownerID, ids := range byOwner {
		v, ok := l.books.Load(ownerID)
		if !ok {
			continue
		}
		b := v.(*book)
		b.mu.Lock()
		for _, id := range ids {
			i, ok := b.index[id]
			if !ok || !b.records[i].Pending() {
				continue
			}
			b.records[i].Status = fiscal.StatusExported
			marked++
		}
		b.mu.Unlock()
	}
	return marked
}
