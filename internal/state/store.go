package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
)

// CursorState is the persisted position of one (identity, destination
// table) pair.
type CursorState struct {
	cursor.Checkpoint
	// FileMTime is the newest modification time of files loaded by a
	// file-based source.
	FileMTime *time.Time `json:"file_mtime,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type document struct {
	Identity  string                 `json:"identity"`
	Resources map[string]CursorState `json:"resources"`
}

// Store reads and commits cursor state under <dir>/<identity>.json. Commits
// are serialized within the process; the identity lock serializes runs.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(identity string) string {
	return filepath.Join(s.dir, identity+".json")
}

func (s *Store) read(identity string) (document, error) {
	doc := document{Identity: identity, Resources: map[string]CursorState{}}
	b, err := os.ReadFile(s.path(identity))
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read cursor state: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return doc, fmt.Errorf("decode cursor state %s: %w", s.path(identity), err)
	}
	if doc.Resources == nil {
		doc.Resources = map[string]CursorState{}
	}
	return doc, nil
}

// Get returns the state of table, or the zero state when none was committed.
func (s *Store) Get(identity, table string) (CursorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(identity)
	if err != nil {
		return CursorState{}, err
	}
	return doc.Resources[table], nil
}

// Commit atomically replaces the state of table.
func (s *Store) Commit(identity, table string, st CursorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(identity)
	if err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	doc.Resources[table] = st
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cursor state: %w", err)
	}
	return WriteFileAtomic(s.path(identity), b, 0o644)
}
