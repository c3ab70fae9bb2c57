package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"sdmon/internal/models"
)

// DefaultJournalLimit caps how many entries the journal keeps.
const DefaultJournalLimit = 1000

// Journal persists workflow steps to disk so an operator can see how far a
// failed run got. It is a record only; nothing replays it.
type Journal struct {
	mu      sync.Mutex
	path    string
	limit   int
	entries []models.JournalEntry
}

// NewJournal opens the journal at path. A missing or empty file starts an
// empty journal; a file that is not a JSON array of entries is an error.
func NewJournal(path string, limit int) (*Journal, error) {
	if limit <= 0 {
		limit = DefaultJournalLimit
	}
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, limit: limit, entries: entries}, nil
}

// Append adds an entry, drops the oldest beyond the limit and rewrites the file.
func (j *Journal) Append(entry models.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)
	if over := len(j.entries) - j.limit; over > 0 {
		j.entries = append(j.entries[:0], j.entries[over:]...)
	}

	data, err := json.MarshalIndent(j.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := WriteFileAtomic(j.path, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func readEntries(path string) ([]models.JournalEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var entries []models.JournalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("journal %s is corrupt: %w", path, err)
	}
	return entries, nil
}
