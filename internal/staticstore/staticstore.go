// Package staticstore implements the Static Route Store: a thread-safe,
// crash-safe CRUD layer over a single YAML file of static route records
// (SPEC_FULL.md §6.2). Writes are atomic by rename, mutations are
// serialized through a single writer mutex, and external edits to the
// file are detected by polling mtime/size.
package staticstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snadboy/revpctl/internal/clock"
	"github.com/snadboy/revpctl/internal/compiler"
	"github.com/snadboy/revpctl/internal/model"
)

// Error kinds the Store can return, matching the taxonomy in
// SPEC_FULL.md §7.
var (
	ErrDomainConflict = errors.New("staticstore: domain already exists")
	ErrNotFound        = errors.New("staticstore: domain not found")
	ErrInvalid         = errors.New("staticstore: invalid record")
)

type document struct {
	StaticRoutes []model.StaticRecord `yaml:"static_routes"`
}

// Info summarizes the store's health for the /status surface.
type Info struct {
	Path        string
	RecordCount int
	LastLoadErr string
	LastLoadAt  time.Time
}

// Store is the Static Route Store.
type Store struct {
	path  string
	clock clock.Clock

	mu       sync.Mutex // serializes all mutations and reloads
	records  map[string]model.StaticRecord // keyed by domain
	order    []string                      // domain insertion order, for stable listing
	lastErr  string
	lastMod  time.Time
	lastSize int64

	onChange func()
}

// New creates a Store for the YAML file at path. The file is read
// immediately; if it does not exist, the store starts empty.
func New(path string, c clock.Clock, onChange func()) (*Store, error) {
	if c == nil {
		c = clock.Real{}
	}
	s := &Store{
		path:     path,
		clock:    c,
		records:  make(map[string]model.StaticRecord),
		onChange: onChange,
	}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		s.lastErr = err.Error()
		return fmt.Errorf("staticstore: read %s: %w", s.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// Corruption: keep the previous in-memory state, expose the error.
		s.lastErr = err.Error()
		return fmt.Errorf("staticstore: parse %s: %w", s.path, err)
	}

	records := make(map[string]model.StaticRecord, len(doc.StaticRoutes))
	order := make([]string, 0, len(doc.StaticRoutes))
	for _, r := range doc.StaticRoutes {
		if r.Domain == "" {
			continue
		}
		if _, dup := records[r.Domain]; dup {
			continue // later entries silently lose; CompileStaticRecord is authoritative at compile time
		}
		records[r.Domain] = r
		order = append(order, r.Domain)
	}

	s.records = records
	s.order = order
	s.lastErr = ""
	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
		s.lastSize = info.Size()
	}
	return nil
}

// List returns a stable-ordered snapshot of every static record.
func (s *Store) List() []model.StaticRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StaticRecord, 0, len(s.order))
	for _, d := range s.order {
		out = append(out, s.records[d])
	}
	return out
}

// Get returns the record for domain, if any.
func (s *Store) Get(domain string) (model.StaticRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[domain]
	return r, ok
}

// Create adds a new record. Returns ErrInvalid if the record fails the
// same validation the Label Compiler applies at compile time, or
// ErrDomainConflict if the domain already exists.
func (s *Store) Create(r model.StaticRecord) error {
	if _, warn := compiler.CompileStaticRecord(r); warn != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, warn.Message)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.Domain]; exists {
		return ErrDomainConflict
	}
	next := s.cloneRecords()
	next[r.Domain] = r
	order := append(append([]string{}, s.order...), r.Domain)
	return s.commit(next, order)
}

// Update replaces the record for domain. Returns ErrInvalid if the
// replacement record fails compiler validation, or ErrNotFound if
// domain is absent.
func (s *Store) Update(domain string, r model.StaticRecord) error {
	if _, warn := compiler.CompileStaticRecord(r); warn != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, warn.Message)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[domain]; !exists {
		return ErrNotFound
	}
	next := s.cloneRecords()
	delete(next, domain)
	next[r.Domain] = r

	order := make([]string, 0, len(s.order))
	for _, d := range s.order {
		if d == domain {
			order = append(order, r.Domain)
			continue
		}
		order = append(order, d)
	}
	return s.commit(next, order)
}

// Delete removes the record for domain. Returns ErrNotFound if absent.
func (s *Store) Delete(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[domain]; !exists {
		return ErrNotFound
	}
	next := s.cloneRecords()
	delete(next, domain)

	order := make([]string, 0, len(s.order))
	for _, d := range s.order {
		if d != domain {
			order = append(order, d)
		}
	}
	return s.commit(next, order)
}

// Info reports the store's current health.
func (s *Store) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Path:        s.path,
		RecordCount: len(s.records),
		LastLoadErr: s.lastErr,
		LastLoadAt:  s.lastMod,
	}
}

// CheckExternalChange polls the file's mtime/size; if either changed
// since the last successful load, it reloads and, on success, invokes
// onChange. A parse failure on reload is recorded in Info and returned
// to the caller; in-memory state is left unchanged.
func (s *Store) CheckExternalChange() error {
	s.mu.Lock()
	info, err := os.Stat(s.path)
	if err != nil {
		s.mu.Unlock()
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("staticstore: stat %s: %w", s.path, err)
	}
	if info.ModTime().Equal(s.lastMod) && info.Size() == s.lastSize {
		s.mu.Unlock()
		return nil
	}
	err = s.reload()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

func (s *Store) cloneRecords() map[string]model.StaticRecord {
	next := make(map[string]model.StaticRecord, len(s.records))
	for k, v := range s.records {
		next[k] = v
	}
	return next
}

// commit writes the new record set to disk atomically (temp file in the
// same directory, then rename) and only then updates in-memory state --
// the in-memory set is never mutated ahead of a successful write.
func (s *Store) commit(records map[string]model.StaticRecord, order []string) error {
	doc := document{StaticRoutes: make([]model.StaticRecord, 0, len(order))}
	for _, d := range order {
		doc.StaticRoutes = append(doc.StaticRoutes, records[d])
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("staticstore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".staticstore-*.tmp")
	if err != nil {
		return fmt.Errorf("staticstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("staticstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staticstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staticstore: rename: %w", err)
	}

	s.records = records
	s.order = order
	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
		s.lastSize = info.Size()
	}

	if s.onChange != nil {
		s.onChange()
	}
	return nil
}
