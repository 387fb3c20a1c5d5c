package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// Registry holds schemas by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns a registry preloaded with the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]Schema)}
	for _, s := range []Schema{AoCRanking(), AoCPrivateLeaderboard()} {
		r.schemas[s.Name] = s
	}
	return r
}

// Register validates and adds a schema, replacing one with the same name.
func (r *Registry) Register(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
	return nil
}

// Get returns the named schema or crawler.ErrUnknownSchema.
func (r *Registry) Get(name string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", crawler.ErrUnknownSchema, name)
	}
	return s, nil
}

// Names returns the registered schema names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AttrTypes implements crawler.AttrTypes. Unknown schemas resolve to nil.
func (r *Registry) AttrTypes(schema string) map[string]crawler.AttrType {
	s, err := r.Get(schema)
	if err != nil {
		return nil
	}
	kinds := s.Kinds()
	out := make(map[string]crawler.AttrType, len(kinds))
	for name, k := range kinds {
		out[name] = k.AttrType()
	}
	return out
}

// LoadDir registers every *.yaml and *.yml file in dir. Each file holds one
// schema document. Files are applied in name order.
func (r *Registry) LoadDir(dir string) (int, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("glob schemas: %w", err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	for _, path := range files {
		s, err := LoadFile(path)
		if err != nil {
			return 0, err
		}
		if err := r.Register(s); err != nil {
			return 0, fmt.Errorf("register %s: %w", filepath.Base(path), err)
		}
	}
	return len(files), nil
}

// LoadFile decodes one YAML schema file.
func LoadFile(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema file: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("decode schema %s: %w", filepath.Base(path), err)
	}
	return s, nil
}
