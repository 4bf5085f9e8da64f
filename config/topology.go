package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/upb/llm-echelon/models"
	"gopkg.in/yaml.v3"
)

// Topology is the bootstrap file listing task groups and standalone pools
type Topology struct {
	TaskGroups []models.TaskGroupConfig `yaml:"taskGroups"`
	Pools      []models.PoolConfig      `yaml:"pools"`
}

// LoadTopology reads a topology file. An empty path yields an empty topology.
func LoadTopology(path string) (*Topology, error) {
	if path == "" {
		return &Topology{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	return ParseTopology(raw)
}

// ParseTopology decodes a YAML topology. Unknown keys are rejected so
// typos in limits do not silently fall back to zero values.
func ParseTopology(raw []byte) (*Topology, error) {
	topology := &Topology{}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(topology); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}

	seen := make(map[string]struct{}, len(topology.TaskGroups))
	for _, g := range topology.TaskGroups {
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("task group %q declared more than once", g.Name)
		}
		seen[g.Name] = struct{}{}
	}

	return topology, nil
}
