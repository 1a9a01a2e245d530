// Package filestore persists the tally ledger as one JSON document on disk.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

const schemaVersion = 1

type document struct {
	Version    int              `json:"version"`
	Entries    []documentEntry `json:"entries"`
	Checkpoint *otogi.RecordID `json:"checkpoint"`
}

type documentEntry struct {
	Account string `json:"account"`
	Total   int64  `json:"total"`
	Seq     int64  `json:"seq"`
}

// Store is a tally.Store writing whole snapshots with temp-file + rename.
type Store struct {
	path string

	mu sync.Mutex
}

// New creates a file store rooted at path. The parent directory is created on first write.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("new file store: empty path")
	}

	return &Store{path: filepath.Clean(path)}, nil
}

// Path returns the ledger document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted snapshot. A missing file yields an empty ledger.
func (s *Store) Load(ctx context.Context) (tally.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return tally.Snapshot{}, fmt.Errorf("load %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return tally.Snapshot{}, nil
	}
	if err != nil {
		return tally.Snapshot{}, fmt.Errorf("load %s: %w", s.path, err)
	}

	var decoded document
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return tally.Snapshot{}, fmt.Errorf("load %s: decode: %w", s.path, err)
	}
	if decoded.Version != schemaVersion {
		return tally.Snapshot{}, fmt.Errorf("load %s: %w %d", s.path, tally.ErrUnsupportedSnapshot, decoded.Version)
	}

	snapshot := tally.Snapshot{
		Entries:    make([]tally.Entry, 0, len(decoded.Entries)),
		Checkpoint: decoded.Checkpoint,
	}
	for _, entry := range decoded.Entries {
		snapshot.Entries = append(snapshot.Entries, tally.Entry{
			Account: entry.Account,
			Total:   entry.Total,
			Seq:     entry.Seq,
		})
	}

	return snapshot, nil
}

// Persist writes next wholesale; change is not needed for a document store.
func (s *Store) Persist(ctx context.Context, next tally.Snapshot, _ tally.Change) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persist %s: %w", s.path, err)
	}

	encoded := document{
		Version:    schemaVersion,
		Entries:    make([]documentEntry, 0, len(next.Entries)),
		Checkpoint: next.Checkpoint,
	}
	for _, entry := range next.Entries {
		encoded.Entries = append(encoded.Entries, documentEntry{
			Account: entry.Account,
			Total:   entry.Total,
			Seq:     entry.Seq,
		})
	}
	raw, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("persist %s: encode: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.path, raw); err != nil {
		return fmt.Errorf("persist %s: %w", s.path, err)
	}

	return nil
}

func writeFileAtomic(path string, raw []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
