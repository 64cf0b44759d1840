package db

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one entry of an append-only Store. Key groups records (a
// checkout_id for dead letters), Kind names what was stored (a queue name).
type Record struct {
	Key        string          `json:"key"`
	Kind       string          `json:"kind"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Store is an append-only record log kept in memory and, optionally,
// mirrored to a JSON lines file that is replayed on open.
type Store struct {
	mu     sync.RWMutex
	log    []Record
	fileMu sync.Mutex
	f      *os.File
}

func NewStore() *Store {
	return &Store{}
}

func NewStoreWithFile(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("store open error", "layer", "store", "component", "db", "method", "NewStoreWithFile", "path", path, "error", err)
		return nil, errors.Join(ErrInternal, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		slog.Error("store open error", "layer", "store", "component", "db", "method", "NewStoreWithFile", "path", path, "error", err)
		return nil, errors.Join(ErrInternal, err)
	}

	s := &Store{f: f}
	if err := s.replay(f); err != nil {
		_ = f.Close()
		slog.Error("store replay error", "layer", "store", "component", "db", "method", "NewStoreWithFile", "path", path, "error", err)
		return nil, errors.Join(ErrInternal, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, errors.Join(ErrInternal, err)
	}
	return s, nil
}

func (s *Store) replay(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		s.index(rec)
	}
	return scanner.Err()
}

func (s *Store) index(rec Record) {
	s.mu.Lock()
	s.log = append(s.log, rec)
	s.mu.Unlock()
}

func (s *Store) Close() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Append stores rec, stamping OccurredAt when unset. A file write failure
// is returned after the record is kept in memory.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("null")
	}
	s.index(rec)

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.f == nil {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		slog.Error("store append error", "layer", "store", "component", "db", "method", "Append", "key", rec.Key, "kind", rec.Kind, "error", err)
		return errors.Join(ErrInternal, err)
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		slog.Error("store append error", "layer", "store", "component", "db", "method", "Append", "key", rec.Key, "kind", rec.Kind, "error", err)
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *Store) All(ctx context.Context) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.log...)
}
