package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kilianp07/leadalloc/core/model"
)

// JSONLStore appends events to a JSONL file.
type JSONLStore struct {
	path string
	mu   sync.Mutex
	keys map[key]struct{}
}

// NewJSONLStore opens or creates the file at path and indexes existing keys.
func NewJSONLStore(path string) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if cerr := f.Close(); cerr != nil {
		return nil, cerr
	}
	s := &JSONLStore{path: path, keys: map[key]struct{}{}}
	err = scanFiles([]string{path}, func(ev model.AllocationEvent) {
		s.keys[eventKey(ev)] = struct{}{}
	})
	return s, err
}

func (s *JSONLStore) Append(_ context.Context, ev model.AllocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey(ev)
	if _, ok := s.keys[k]; ok {
		return fmt.Errorf("%w: %s/%d", ErrDuplicate, ev.LeadID, ev.Sequence)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := json.NewEncoder(f).Encode(ev); err != nil {
		return err
	}
	s.keys[k] = struct{}{}
	return nil
}

func (s *JSONLStore) Query(_ context.Context, q Query) ([]model.AllocationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AllocationEvent
	err := scanFiles([]string{s.path}, func(ev model.AllocationEvent) {
		if q.match(ev) {
			out = append(out, ev)
		}
	})
	return limit(out, q.Limit), err
}

func (s *JSONLStore) Close() error { return nil }

// RotatingJSONLStore appends events to a JSONL file rotated by size.
type RotatingJSONLStore struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	path   string
	keys   map[key]struct{}
}

// NewRotatingJSONLStore creates a store with rotation options in megabytes and
// days.
func NewRotatingJSONLStore(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingJSONLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &RotatingJSONLStore{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		},
		path: path,
		keys: map[key]struct{}{},
	}
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	err = scanFiles(files, func(ev model.AllocationEvent) { s.keys[eventKey(ev)] = struct{}{} })
	return s, err
}

func (s *RotatingJSONLStore) files() ([]string, error) {
	dir, base := filepath.Split(s.path)
	ext := filepath.Ext(base)
	prefix := base[:len(base)-len(ext)]
	// lumberjack names backups <prefix>-<timestamp><ext>
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*"+ext))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	if _, err := os.Stat(s.path); err == nil {
		files = append(files, s.path)
	}
	return files, nil
}

func (s *RotatingJSONLStore) Append(_ context.Context, ev model.AllocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey(ev)
	if _, ok := s.keys[k]; ok {
		return fmt.Errorf("%w: %s/%d", ErrDuplicate, ev.LeadID, ev.Sequence)
	}
	if err := json.NewEncoder(s.logger).Encode(ev); err != nil {
		return err
	}
	s.keys[k] = struct{}{}
	return nil
}

// Query reads the active file and every rotated backup, oldest first.
func (s *RotatingJSONLStore) Query(_ context.Context, q Query) ([]model.AllocationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	var out []model.AllocationEvent
	err = scanFiles(files, func(ev model.AllocationEvent) {
		if q.match(ev) {
			out = append(out, ev)
		}
	})
	return limit(out, q.Limit), err
}

// Close closes the underlying writer.
func (s *RotatingJSONLStore) Close() error { return s.logger.Close() }

func scanFiles(paths []string, fn func(model.AllocationEvent)) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var ev model.AllocationEvent
			if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
				continue
			}
			fn(ev)
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
