package trader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Journal receives one entry per asset evaluation.
type Journal interface {
	Record(entry JournalEntry) error
	Close() error
}

type JournalEntry struct {
	CycleID string    `json:"cycle_id"`
	Time    time.Time `json:"time"`
	Asset   string    `json:"asset"`
	Signal  string    `json:"signal"`
	Price   string    `json:"price,omitempty"`
	Action  string    `json:"action"`
	Reason  string    `json:"reason,omitempty"`
	Amount  string    `json:"amount,omitempty"`
	PnL     string    `json:"pnl,omitempty"`
	Balance string    `json:"balance,omitempty"`
	Holding bool      `json:"holding"`
	Error   string    `json:"error,omitempty"`
}

// FileJournal appends newline-delimited JSON.
type FileJournal struct {
	mu  sync.Mutex
	out io.Closer
	enc *json.Encoder
}

func OpenFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision journal: %w", err)
	}
	j := NewJournal(f)
	j.out = f
	return j, nil
}

func NewJournal(w io.Writer) *FileJournal {
	return &FileJournal{enc: json.NewEncoder(w)}
}

func (j *FileJournal) Record(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(entry)
}

func (j *FileJournal) Close() error {
	if j.out == nil {
		return nil
	}
	return j.out.Close()
}

type nopJournal struct{}

func (nopJournal) Record(JournalEntry) error { return nil }
func (nopJournal) Close() error              { return nil }
