// Package journal records simulation events to an append-only msgpack file
// so a drive can be replayed later.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/musthaq16/zone-drive-simulator/internal/log"
	"github.com/musthaq16/zone-drive-simulator/internal/simulator"
)

type Writer struct {
	mu  sync.Mutex
	f   *os.File
	enc *msgpack.Encoder
	lg  *log.Logger
}

// Open appends to the journal at path, creating it if needed.
func Open(path string, lg *log.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Writer{f: f, enc: msgpack.NewEncoder(f), lg: lg}, nil
}

// LogEvent appends e. Encoding failures are logged, not returned.
func (w *Writer) LogEvent(e simulator.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	if err := w.enc.Encode(e); err != nil {
		w.lg.Warnf("journal: %v", err)
	}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadAll decodes every event in the journal at path, oldest first.
func ReadAll(path string) ([]simulator.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) ([]simulator.Event, error) {
	dec := msgpack.NewDecoder(r)
	var events []simulator.Event
	for {
		if _, err := dec.PeekCode(); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		var e simulator.Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("journal record %d: %w", len(events), err)
		}
		events = append(events, e)
	}
}
