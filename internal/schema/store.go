package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/state"
)

// Path returns the schema file of identity under dir.
func Path(dir, identity string) string {
	return filepath.Join(dir, identity+".schema.yaml")
}

// ReadRaw returns the persisted YAML of identity. A missing file is a
// NotFound error.
func ReadRaw(dir, identity string) ([]byte, error) {
	b, err := os.ReadFile(Path(dir, identity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ferryerr.Newf(ferryerr.KindNotFound, "no schema for pipeline %q", identity)
	}
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return b, nil
}

// Load reads the schema of identity, returning an empty schema named
// identity when none was saved yet.
func Load(dir, identity string) (*Schema, error) {
	b, err := ReadRaw(dir, identity)
	if ferryerr.Is(err, ferryerr.KindNotFound) {
		return &Schema{Name: identity}, nil
	}
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", Path(dir, identity), err)
	}
	if s.Name == "" {
		s.Name = identity
	}
	return &s, nil
}

// Save seals s and writes it atomically.
func Save(dir string, s *Schema) error {
	if err := s.Seal(); err != nil {
		return err
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return state.WriteFileAtomic(Path(dir, s.Name), b, 0o644)
}
