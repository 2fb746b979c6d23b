// Package config provides configuration loading for stratum.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stratum configuration
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Checkpoints CheckpointConfig  `yaml:"checkpoints"`
	Hierarchy   HierarchyConfig   `yaml:"hierarchy"`
	Equivalence EquivalenceConfig `yaml:"equivalence"`
	Sensitivity SensitivityConfig `yaml:"sensitivity"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// StoreConfig selects the graph store backend
type StoreConfig struct {
	// Driver is "sqlite" or "memory"
	Driver string `yaml:"driver"`
	// Path is the SQLite database file (sqlite driver only)
	Path string `yaml:"path"`
}

// CheckpointConfig selects where resumable progress markers live
type CheckpointConfig struct {
	// Driver is "badger" or "memory"
	Driver string `yaml:"driver"`
	// Dir is the badger directory (empty = in-memory badger)
	Dir string `yaml:"dir"`
}

// HierarchyConfig configures context chain walks
type HierarchyConfig struct {
	// MaxDepth caps every walk; it can be lowered but never raised past 100
	MaxDepth int `yaml:"max_depth"`
	// RootIDs are the designated root markers
	RootIDs []string `yaml:"root_ids"`
}

// DefaultRule injects a canonical statement for items of a class that
// lack any statement using Predicate.
type DefaultRule struct {
	// Class is a class URI or an item type such as "subjects"
	Class string `yaml:"class"`
	// Predicate is the canonical predicate URI whose absence triggers the rule
	Predicate string `yaml:"predicate"`
	// DefaultPredicate and DefaultObject are the URIs of the injected pair
	DefaultPredicate string `yaml:"default_predicate"`
	DefaultObject    string `yaml:"default_object"`
}

// EquivalenceConfig configures the Context Map and statement synthesis
type EquivalenceConfig struct {
	// BootstrapProject owns the platform's own vocabulary
	BootstrapProject string `yaml:"bootstrap_project"`
	// EquivalenceURIs are same-as / exact-match / close-match predicates
	EquivalenceURIs []string `yaml:"equivalence_uris"`
	// MapsFromURIs are the "maps from" family of predicates
	MapsFromURIs []string `yaml:"maps_from_uris"`
	// SubTypeURIs are broader / sub-class predicates, used for sensitivity only
	SubTypeURIs []string `yaml:"sub_type_uris"`
	// MaxAge bounds how long a cached Context Map is served (0 = until invalidated)
	MaxAge time.Duration `yaml:"max_age"`
	// Defaults is the backfill table keyed by classification
	Defaults []DefaultRule `yaml:"defaults"`
}

// SensitivityConfig configures the human remains propagator
type SensitivityConfig struct {
	// ClassURIs are classification URIs that flag an item directly
	ClassURIs []string `yaml:"class_uris"`
	// LinkedDataURIs are object URIs that flag an item directly
	LinkedDataURIs []string `yaml:"linked_data_uris"`
	// CheckpointEvery is how many nodes are processed between progress markers
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// Well-known predicate URIs used by the defaults.
const (
	OWLSameAs       = "http://www.w3.org/2002/07/owl#sameAs"
	SKOSExactMatch  = "http://www.w3.org/2004/02/skos/core#exactMatch"
	SKOSCloseMatch  = "http://www.w3.org/2004/02/skos/core#closeMatch"
	SKOSBroader     = "http://www.w3.org/2004/02/skos/core#broader"
	RDFSSubClassOf  = "http://www.w3.org/2000/01/rdf-schema#subClassOf"
	OCGenMapsFrom   = "http://opencontext.org/vocabularies/oc-general/maps-from"
	OCGenMapsFromAs = "http://opencontext.org/vocabularies/oc-general/maps-from-as"
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "stratum.db",
		},
		Checkpoints: CheckpointConfig{
			Driver: "badger",
			Dir:    ".stratum/checkpoints",
		},
		Hierarchy: HierarchyConfig{
			MaxDepth: 100,
		},
		Equivalence: EquivalenceConfig{
			EquivalenceURIs: []string{OWLSameAs, SKOSExactMatch, SKOSCloseMatch},
			MapsFromURIs:    []string{OCGenMapsFrom, OCGenMapsFromAs},
			SubTypeURIs:     []string{SKOSBroader, RDFSSubClassOf},
		},
		Sensitivity: SensitivityConfig{
			CheckpointEvery: 500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver)
	}
	switch c.Checkpoints.Driver {
	case "badger", "memory":
	default:
		return fmt.Errorf("checkpoints.driver must be badger or memory, got %q", c.Checkpoints.Driver)
	}
	if c.Hierarchy.MaxDepth < 1 || c.Hierarchy.MaxDepth > 100 {
		return fmt.Errorf("hierarchy.max_depth must be between 1 and 100")
	}
	if len(c.Equivalence.EquivalenceURIs) == 0 {
		return fmt.Errorf("equivalence.equivalence_uris must not be empty")
	}
	if c.Equivalence.MaxAge < 0 {
		return fmt.Errorf("equivalence.max_age must not be negative")
	}
	for i, r := range c.Equivalence.Defaults {
		if r.Class == "" || r.Predicate == "" || r.DefaultPredicate == "" || r.DefaultObject == "" {
			return fmt.Errorf("equivalence.defaults[%d]: class, predicate, default_predicate and default_object are required", i)
		}
	}
	if c.Sensitivity.CheckpointEvery < 1 {
		return fmt.Errorf("sensitivity.checkpoint_every must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
