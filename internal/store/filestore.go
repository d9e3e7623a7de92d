package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"fleet-telemetry-agent/internal/model"
)

var ErrNotFound = errors.New("server record not found")

type recordFile struct {
	Servers []model.ServerRecord `yaml:"servers"`
}

// FileStore keeps server records in a single YAML document. Writes go
// through a temp file and rename so readers never see a partial file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns every record ordered by ID. A missing file is an empty store.
func (s *FileStore) Load(ctx context.Context) ([]model.ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Get(ctx context.Context, id string) (model.ServerRecord, error) {
	records, err := s.Load(ctx)
	if err != nil {
		return model.ServerRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return model.ServerRecord{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// Save writes the status fields of rec onto the stored record with the same
// ID, leaving declared fields as they are on disk. A record that is no
// longer stored yields ErrNotFound; Save never recreates one.
func (s *FileStore) Save(ctx context.Context, rec model.ServerRecord) error {
	return s.update(ctx, rec, false, func(existing *model.ServerRecord) {
		existing.Status = rec.Status
		existing.PID = rec.PID
		existing.LastStarted = rec.LastStarted
		existing.LastStopped = rec.LastStopped
	})
}

// Put inserts or fully replaces a record.
func (s *FileStore) Put(ctx context.Context, rec model.ServerRecord) error {
	return s.update(ctx, rec, true, func(existing *model.ServerRecord) { *existing = rec })
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	kept := records[:0]
	found := false
	for _, r := range records {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.write(kept)
}

func (s *FileStore) update(ctx context.Context, rec model.ServerRecord, insert bool, apply func(*model.ServerRecord)) error {
	if rec.ID == "" {
		return errors.New("server record id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	found := false
	for i := range records {
		if records[i].ID == rec.ID {
			apply(&records[i])
			found = true
			break
		}
	}
	if !found {
		if !insert {
			return fmt.Errorf("%s: %w", rec.ID, ErrNotFound)
		}
		records = append(records, rec)
	}
	return s.write(records)
}

func (s *FileStore) read() ([]model.ServerRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read records: %w", err)
	}
	var doc recordFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode records %s: %w", s.path, err)
	}
	for i := range doc.Servers {
		if doc.Servers[i].Status == "" {
			doc.Servers[i].Status = model.StatusStopped
		}
	}
	sort.Slice(doc.Servers, func(i, j int) bool { return doc.Servers[i].ID < doc.Servers[j].ID })
	return doc.Servers, nil
}

func (s *FileStore) write(records []model.ServerRecord) error {
	data, err := yaml.Marshal(recordFile{Servers: records})
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".records-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp records: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp records: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace records: %w", err)
	}
	return nil
}
