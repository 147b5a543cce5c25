package roster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML roster format:
//
//	students:
//	  - name: Alice Johnson
//	    embedding: [0.1, 0.2, 0.3]
type File struct {
	Students []Entry `yaml:"students"`
}

// Entry is one roster line.
type Entry struct {
	Name      string    `yaml:"name"`
	Embedding []float64 `yaml:"embedding,omitempty"`
}

// ParseYAML decodes a roster, rejecting unknown fields.
func ParseYAML(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return File{}, nil
		}
		return File{}, fmt.Errorf("parse roster: %w", err)
	}
	return f, nil
}

// Import enrolls every entry of f. Rosters are only imported into an empty
// directory so restarts do not enroll the same students twice; the number of
// students added is returned.
func (s *Service) Import(ctx context.Context, f File) (int, error) {
	existing, err := s.store.ListStudents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list students: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("roster import skipped, directory not empty", "students", len(existing))
		return 0, nil
	}
	for i, e := range f.Students {
		if _, err := s.Enroll(ctx, e.Name, e.Embedding); err != nil {
			return i, fmt.Errorf("roster entry %d: %w", i+1, err)
		}
	}
	return len(f.Students), nil
}

// LoadFile reads the roster at path and imports it.
func (s *Service) LoadFile(ctx context.Context, path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open roster: %w", err)
	}
	defer fh.Close()

	f, err := ParseYAML(fh)
	if err != nil {
		return 0, err
	}
	n, err := s.Import(ctx, f)
	if err != nil {
		return n, err
	}
	slog.Info("roster imported", "path", path, "students", n)
	return n, nil
}
