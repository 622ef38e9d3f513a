package config

import (
	"fmt"
	"os"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"gopkg.in/yaml.v3"
)

// SourcesFile is the on-disk shape of the batteries list (YAML).
//
//	batteries:
//	  - id: 0f1e2d3c-...
//	    name: Garage
//	    capacity: 5.2
type SourcesFile struct {
	Batteries []domain.Battery `yaml:"batteries"`
}

// LoadSources reads and validates a sources file. An empty path yields no
// batteries, in which case they are discovered through the ledger.
func LoadSources(path string) ([]domain.Battery, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f SourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f.Batteries, nil
}

// Validate rejects missing and duplicate ids.
func (f *SourcesFile) Validate() error {
	seen := make(map[string]struct{}, len(f.Batteries))
	for i, b := range f.Batteries {
		if b.ID == "" {
			return fmt.Errorf("batteries[%d]: id is required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("batteries[%d]: duplicate id %q", i, b.ID)
		}
		if b.Capacity < 0 {
			return fmt.Errorf("batteries[%d]: capacity must not be negative", i)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}
