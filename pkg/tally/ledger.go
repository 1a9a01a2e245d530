package tally

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"ex-tally/pkg/otogi"
)

// LookupLimit caps substring lookup results.
const LookupLimit = 10

// Entry is the accumulated purchase total of one account.
type Entry struct {
	// Account is the case-preserving account name as first captured.
	Account string
	// Total is the accumulated quantity.
	Total int64
	// Seq orders entries by discovery.
	Seq int64
}

// Snapshot is the complete persisted ledger state.
type Snapshot struct {
	// Entries are ordered by Seq.
	Entries []Entry
	// Checkpoint is the last processed record id, nil when nothing was processed.
	Checkpoint *otogi.RecordID
}

// Change describes the delta between two consecutive snapshots.
type Change struct {
	// Reset clears every entry and the checkpoint before applying the rest.
	Reset bool
	// Upserts carries entries whose totals changed, with their new values.
	Upserts []Entry
	// Checkpoint carries the new checkpoint when it moved.
	Checkpoint *otogi.RecordID
}

// Store persists ledger state.
//
// Persist must apply change atomically: either next is fully durable or the
// previous state remains. Implementations may write next wholesale or apply change.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Persist(ctx context.Context, next Snapshot, change Change) error
}

// Ledger is the durable account to quantity mapping plus the scan checkpoint.
//
// Every mutation is persisted before it becomes visible; a failed write leaves
// the in-memory state untouched.
type Ledger struct {
	store Store

	mu         sync.RWMutex
	entries    map[string]Entry
	order      []string
	checkpoint *otogi.RecordID
	nextSeq    int64
}

// OpenLedger loads persisted state from store.
func OpenLedger(ctx context.Context, store Store) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("open ledger: %w", ErrNilStore)
	}

	snapshot, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger: load: %w", err)
	}

	ledger := &Ledger{store: store}
	ledger.install(snapshot)

	return ledger, nil
}

// Fold adds fact.Quantity to the fact's account.
func (l *Ledger) Fold(ctx context.Context, fact PurchaseFact) error {
	if err := validateFact(fact); err != nil {
		return fmt.Errorf("fold: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next, change := l.planLocked(&fact, nil)
	if err := l.persistLocked(ctx, next, change); err != nil {
		return fmt.Errorf("fold %s: %w", fact.Account, err)
	}

	return nil
}

// Advance moves the checkpoint forward. Older or equal ids are ignored.
func (l *Ledger) Advance(ctx context.Context, id otogi.RecordID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isNewLocked(id) {
		return nil
	}
	next, change := l.planLocked(nil, &id)
	if err := l.persistLocked(ctx, next, change); err != nil {
		return fmt.Errorf("advance to %d: %w", id, err)
	}

	return nil
}

// Commit folds fact (when non-nil) and advances to id as one persisted step.
//
// Records at or below the checkpoint were already accounted for and are skipped;
// applied reports whether the record changed the ledger.
func (l *Ledger) Commit(ctx context.Context, id otogi.RecordID, fact *PurchaseFact) (applied bool, err error) {
	if fact != nil {
		if err := validateFact(*fact); err != nil {
			return false, fmt.Errorf("commit record %d: %w", id, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isNewLocked(id) {
		return false, nil
	}
	next, change := l.planLocked(fact, &id)
	if err := l.persistLocked(ctx, next, change); err != nil {
		return false, fmt.Errorf("commit record %d: %w", id, err)
	}

	return true, nil
}

// Reset clears all entries and the checkpoint.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.persistLocked(ctx, Snapshot{}, Change{Reset: true}); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}

	return nil
}

// Totals sums entries whose account satisfies match.
func (l *Ledger) Totals(match func(account string) bool) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, account := range l.order {
		if match == nil || match(account) {
			total += l.entries[account].Total
		}
	}

	return total
}

// Lookup returns the exact account when present, otherwise up to LookupLimit
// entries containing query case-insensitively, in discovery order.
func (l *Ledger) Lookup(query string) []Entry {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if entry, ok := l.entries[query]; ok {
		return []Entry{entry}
	}

	lowered := strings.ToLower(query)
	matches := make([]Entry, 0, LookupLimit)
	for _, account := range l.order {
		if !strings.Contains(strings.ToLower(account), lowered) {
			continue
		}
		matches = append(matches, l.entries[account])
		if len(matches) == LookupLimit {
			break
		}
	}

	return matches
}

// Checkpoint returns the last processed record id.
func (l *Ledger) Checkpoint() (otogi.RecordID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.checkpoint == nil {
		return 0, false
	}

	return *l.checkpoint, true
}

// Entries returns all entries in discovery order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.entriesLocked()
}

func (l *Ledger) isNewLocked(id otogi.RecordID) bool {
	return l.checkpoint == nil || id > *l.checkpoint
}

// planLocked builds the successor snapshot without mutating the ledger.
func (l *Ledger) planLocked(fact *PurchaseFact, advance *otogi.RecordID) (Snapshot, Change) {
	next := Snapshot{
		Entries:    l.entriesLocked(),
		Checkpoint: cloneRecordID(l.checkpoint),
	}
	change := Change{}

	if fact != nil {
		entry, exists := l.entries[fact.Account]
		if !exists {
			entry = Entry{Account: fact.Account, Seq: l.nextSeq}
		}
		entry.Total += fact.Quantity
		change.Upserts = append(change.Upserts, entry)

		index := slices.IndexFunc(next.Entries, func(candidate Entry) bool {
			return candidate.Account == fact.Account
		})
		if index >= 0 {
			next.Entries[index] = entry
		} else {
			next.Entries = append(next.Entries, entry)
		}
	}
	if advance != nil {
		next.Checkpoint = cloneRecordID(advance)
		change.Checkpoint = cloneRecordID(advance)
	}

	return next, change
}

func (l *Ledger) persistLocked(ctx context.Context, next Snapshot, change Change) error {
	if err := l.store.Persist(ctx, next, change); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	l.install(next)

	return nil
}

// install replaces in-memory state; callers hold l.mu or own l exclusively.
func (l *Ledger) install(snapshot Snapshot) {
	entries := append([]Entry(nil), snapshot.Entries...)
	slices.SortStableFunc(entries, func(left, right Entry) int {
		switch {
		case left.Seq < right.Seq:
			return -1
		case left.Seq > right.Seq:
			return 1
		default:
			return 0
		}
	})

	l.entries = make(map[string]Entry, len(entries))
	l.order = make([]string, 0, len(entries))
	l.nextSeq = 0
	for _, entry := range entries {
		if _, exists := l.entries[entry.Account]; exists {
			continue
		}
		l.entries[entry.Account] = entry
		l.order = append(l.order, entry.Account)
		if entry.Seq >= l.nextSeq {
			l.nextSeq = entry.Seq + 1
		}
	}
	l.checkpoint = cloneRecordID(snapshot.Checkpoint)
}

func (l *Ledger) entriesLocked() []Entry {
	entries := make([]Entry, 0, len(l.order))
	for _, account := range l.order {
		entries = append(entries, l.entries[account])
	}

	return entries
}

func validateFact(fact PurchaseFact) error {
	if strings.TrimSpace(fact.Account) == "" {
		return fmt.Errorf("empty account")
	}
	if fact.Quantity <= 0 {
		return fmt.Errorf("quantity %d must be > 0", fact.Quantity)
	}

	return nil
}

func cloneRecordID(id *otogi.RecordID) *otogi.RecordID {
	if id == nil {
		return nil
	}
	cloned := *id

	return &cloned
}

// MemoryStore keeps ledger state in process memory. It is used in tests and
// when persistence is disabled.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot Snapshot
	failure  error
	persists int
}

// Load returns a copy of the last persisted snapshot.
func (s *MemoryStore) Load(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneSnapshot(s.snapshot), nil
}

// Persist stores a copy of next.
func (s *MemoryStore) Persist(_ context.Context, next Snapshot, _ Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}
	s.snapshot = cloneSnapshot(next)
	s.persists++

	return nil
}

// SetFailure makes subsequent Persist calls fail with err; nil clears it.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// Persists reports how many writes succeeded.
func (s *MemoryStore) Persists() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persists
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	return Snapshot{
		Entries:    append([]Entry(nil), snapshot.Entries...),
		Checkpoint: cloneRecordID(snapshot.Checkpoint),
	}
}
