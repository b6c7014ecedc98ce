// Package config loads contingency-runner run files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/grid-variants/internal/observability"
	"github.com/signalsfoundry/grid-variants/security"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Run describes one security analysis run.
//
// Example:
//
//	scenario: ieee5.yaml
//	limit_reduction: 0.95
//	parallelism: 4
//	contingencies:
//	  - id: N-1-L1
//	    branches: [L1]
//	tracing:
//	  enabled: true
//	  exporter: otlp
//	  endpoint: collector:4317
type Run struct {
	// Scenario is the network definition, relative to the run file.
	Scenario string `yaml:"scenario" validate:"required"`

	Contingencies []Contingency `yaml:"contingencies" validate:"dive"`

	// LimitReduction scales branch ratings; zero keeps the default.
	LimitReduction float64 `yaml:"limit_reduction" validate:"gte=0,lte=1"`
	// Parallelism bounds concurrent contingencies; zero uses GOMAXPROCS.
	Parallelism int `yaml:"parallelism" validate:"gte=0,lte=1024"`

	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// StateOut receives the solved base variant as YAML when set.
	StateOut string `yaml:"state_out"`

	// Tracing is overlaid with GRID_TRACING_* variables at startup.
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Contingency is the run-file form of security.Contingency.
type Contingency struct {
	ID       string   `yaml:"id" validate:"required"`
	Branches []string `yaml:"branches" validate:"required,min=1,dive,required"`
}

// Load reads and validates the run file at path. A relative scenario path is
// resolved against the directory of path.
func Load(path string) (*Run, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	run, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if !filepath.IsAbs(run.Scenario) {
		run.Scenario = filepath.Join(filepath.Dir(path), run.Scenario)
	}
	return run, nil
}

// Parse decodes and validates a run file. Unknown keys are rejected.
func Parse(r io.Reader) (*Run, error) {
	var run Run
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&run); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty run file")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	return &run, nil
}

// Validate checks field constraints and contingency id uniqueness.
func (r *Run) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	seen := make(map[string]struct{}, len(r.Contingencies))
	for _, c := range r.Contingencies {
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("invalid run: duplicate contingency %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// Configure implements security.Configurer.
func (r *Run) Configure(in *security.Inputs) error {
	cs := make([]security.Contingency, 0, len(r.Contingencies))
	for _, c := range r.Contingencies {
		cs = append(cs, security.Contingency{ID: c.ID, BranchIDs: append([]string(nil), c.Branches...)})
	}
	if err := in.SetContingencies(cs); err != nil {
		return err
	}
	if r.LimitReduction > 0 {
		if err := in.SetParameters(security.Parameters{LimitReduction: r.LimitReduction}); err != nil {
			return err
		}
	}
	return nil
}

var _ security.Configurer = (*Run)(nil)
