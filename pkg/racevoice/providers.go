package racevoice

import (
	"encoding/json"
	"os"
	"sync"
)

// FileFlusher persists event log batches as JSON lines. It always rewrites
// the whole buffered window; the event log is a rolling ring, not a journal.
type FileFlusher struct {
	mu   sync.Mutex
	path string
}

func NewFileFlusher(path string) *FileFlusher {
	return &FileFlusher{path: path}
}

func (f *FileFlusher) Flush(entries []LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Create(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for _, entry := range entries {
		if err := enc.Encode(flushedEntry{
			ID:       entry.ID.String(),
			Time:     entry.Time.UnixMilli(),
			Kind:     string(entry.Kind),
			Type:     string(entry.Type),
			Category: string(entry.Category),
			Note:     entry.Note,
		}); err != nil {
			return err
		}
	}
	return nil
}

type flushedEntry struct {
	ID       string `json:"id"`
	Time     int64  `json:"time"`
	Kind     string `json:"kind"`
	Type     string `json:"type,omitempty"`
	Category string `json:"category,omitempty"`
	Note     string `json:"note,omitempty"`
}
