// Package loadpkg implements load packages: the typed partition files that
// NORMALIZE writes and LOAD reads, plus the manifest that lets an
// interrupted run resume loading.
//
// Layout under the package root:
//
//	<identity>/<load_id>/manifest.json
//	<identity>/<load_id>/<table>.<n>.jsonl.gz
package loadpkg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/state"
)

// Table status inside a manifest.
const (
	StatusNormalized = "normalized"
	StatusLoaded     = "loaded"
)

// TableEntry describes the partition files of one destination table.
type TableEntry struct {
	Resource string             `json:"resource"`
	Status   string             `json:"status"`
	Files    []string           `json:"files"`
	Rows     int64              `json:"rows"`
	Schema   schema.Table       `json:"schema"`
	Cursor   *state.CursorState `json:"cursor,omitempty"`
}

// Manifest indexes one load package.
type Manifest struct {
	LoadID        string                 `json:"load_id"`
	Identity      string                 `json:"identity"`
	Dataset       string                 `json:"dataset"`
	CreatedAt     time.Time              `json:"created_at"`
	LoadTimestamp time.Time              `json:"load_timestamp"`
	Tables        map[string]*TableEntry `json:"tables"`

	dir string
	mu  sync.Mutex
}

// Root is the load package directory of one identity.
type Root struct {
	dir string
}

// NewRoot returns the root for identity under base.
func NewRoot(base, identity string) Root {
	return Root{dir: filepath.Join(base, identity)}
}

// Create starts an empty package.
func (r Root) Create(identity, loadID, dataset string, loadTS time.Time) (*Manifest, error) {
	dir := filepath.Join(r.dir, loadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create load package: %w", err)
	}
	m := &Manifest{
		LoadID:        loadID,
		Identity:      identity,
		Dataset:       dataset,
		CreatedAt:     time.Now().UTC(),
		LoadTimestamp: loadTS,
		Tables:        map[string]*TableEntry{},
		dir:           dir,
	}
	return m, m.save()
}

// Pending returns packages holding at least one table not yet loaded,
// oldest first.
func (r Root) Pending() ([]*Manifest, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list load packages: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(r.dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Created but never normalized into.
			_ = os.RemoveAll(filepath.Join(r.dir, e.Name()))
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(m.PendingTables()) > 0 {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func readManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", dir, err)
	}
	if m.Tables == nil {
		m.Tables = map[string]*TableEntry{}
	}
	m.dir = dir
	return &m, nil
}

// Dir is the package directory.
func (m *Manifest) Dir() string { return m.dir }

// Put records the entry of table and saves the manifest.
func (m *Manifest) Put(table string, e *TableEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tables[table] = e
	return m.save()
}

// Entry returns the entry of table.
func (m *Manifest) Entry(table string) (*TableEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Tables[table]
	return e, ok
}

func (m *Manifest) save() error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return state.WriteFileAtomic(filepath.Join(m.dir, "manifest.json"), b, 0o644)
}

// PendingTables returns normalized tables that were not loaded, sorted.
func (m *Manifest) PendingTables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending()
}

func (m *Manifest) pending() []string {
	var out []string
	for name, t := range m.Tables {
		if t.Status != StatusLoaded {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// MarkLoaded records table as loaded and removes its files.
func (m *Manifest) MarkLoaded(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tables[table]
	if !ok {
		return fmt.Errorf("table %q not in load package %s", table, m.LoadID)
	}
	t.Status = StatusLoaded
	for _, f := range t.Files {
		_ = os.Remove(filepath.Join(m.dir, f))
	}
	return m.save()
}

// Remove deletes partition files that were never recorded in the manifest.
func (m *Manifest) Remove(files []string) {
	for _, f := range files {
		_ = os.Remove(filepath.Join(m.dir, f))
	}
}

// Complete removes the package once every table is loaded.
func (m *Manifest) Complete() error {
	if len(m.PendingTables()) > 0 {
		return nil
	}
	return os.RemoveAll(m.dir)
}

// Discard removes the package regardless of state.
func (m *Manifest) Discard() error { return os.RemoveAll(m.dir) }
