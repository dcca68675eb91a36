package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"subman/internal/model"
)

// Registry persists the node list and its latest measurements.
type Registry struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Nodes     []model.Node `yaml:"nodes"`
}

// LoadRegistry loads the registry from disk. If the file is missing,
// returns an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, err
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}

	return &reg, nil
}

// SaveRegistry writes the registry to disk.
func SaveRegistry(path string, reg *Registry) error {
	if reg == nil {
		return nil
	}
	reg.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Find resolves a node by name or 1-based index as shown by `subman list`.
func (r *Registry) Find(ref string) (int, error) {
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 1 || idx > len(r.Nodes) {
			return 0, fmt.Errorf("node index %d out of range 1-%d", idx, len(r.Nodes))
		}
		return idx - 1, nil
	}
	for i, n := range r.Nodes {
		if n.Name == ref || n.DisplayName() == ref {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no node named %q", ref)
}

// ApplyResult records a measurement on the node at index i.
func (r *Registry) ApplyResult(i int, mode string, lat model.Latency) {
	if i < 0 || i >= len(r.Nodes) {
		return
	}
	switch mode {
	case "tcp":
		r.Nodes[i].TCP = lat
	case "http":
		r.Nodes[i].HTTP = lat
	}
	r.Nodes[i].LastTestedAt = time.Now().UTC()
}
