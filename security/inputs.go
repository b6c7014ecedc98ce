package security

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/grid-variants/network"
)

var (
	// ErrInputAlreadyDefined indicates an analysis input was set twice.
	ErrInputAlreadyDefined = errors.New("security analysis input already defined")
	// ErrInvalidContingency indicates a contingency failed validation.
	ErrInvalidContingency = errors.New("invalid contingency")
)

// Contingency is one simulated outage: every listed branch is disconnected
// in the contingency's own variant.
type Contingency struct {
	ID        string   `yaml:"id" json:"id"`
	BranchIDs []string `yaml:"branches" json:"branches"`
}

func (c Contingency) validate(g *network.Graph) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidContingency)
	}
	if len(c.BranchIDs) == 0 {
		return fmt.Errorf("%w: %q has no elements", ErrInvalidContingency, c.ID)
	}
	for _, id := range c.BranchIDs {
		if _, err := g.Branch(id); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidContingency, c.ID, err)
		}
	}
	return nil
}

// Parameters tune violation detection.
type Parameters struct {
	// LimitReduction scales branch flow limits; 1 keeps the rated values.
	LimitReduction float64
}

// DefaultParameters returns the parameters used when none are set.
func DefaultParameters() Parameters {
	return Parameters{LimitReduction: 1}
}

// Inputs gathers the data of one analysis. Each input may be set at most
// once, either directly or by a configurer; unset inputs fall back to
// defaults.
type Inputs struct {
	contingencies []Contingency
	detector      LimitViolationDetector
	parameters    *Parameters
}

// NewInputs returns empty inputs.
func NewInputs() *Inputs { return &Inputs{} }

// SetContingencies defines the contingencies to simulate.
func (in *Inputs) SetContingencies(cs []Contingency) error {
	if cs == nil {
		return fmt.Errorf("%w: nil contingencies", ErrInvalidContingency)
	}
	if in.contingencies != nil {
		return fmt.Errorf("%w: contingencies", ErrInputAlreadyDefined)
	}
	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidContingency, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	in.contingencies = append([]Contingency{}, cs...)
	return nil
}

// SetDetector defines the limit violation detector.
func (in *Inputs) SetDetector(d LimitViolationDetector) error {
	if d == nil {
		return errors.New("nil limit violation detector")
	}
	if in.detector != nil {
		return fmt.Errorf("%w: limit violation detector", ErrInputAlreadyDefined)
	}
	in.detector = d
	return nil
}

// SetParameters defines the analysis parameters.
func (in *Inputs) SetParameters(p Parameters) error {
	if in.parameters != nil {
		return fmt.Errorf("%w: parameters", ErrInputAlreadyDefined)
	}
	if p.LimitReduction <= 0 || p.LimitReduction > 1 {
		return fmt.Errorf("limit reduction %g outside (0, 1]", p.LimitReduction)
	}
	in.parameters = &p
	return nil
}

// Contingencies returns the configured contingencies, or none.
func (in *Inputs) Contingencies() []Contingency {
	return append([]Contingency(nil), in.contingencies...)
}

// Detector returns the configured detector, or DefaultDetector.
func (in *Inputs) Detector() LimitViolationDetector {
	if in.detector == nil {
		return DefaultDetector{}
	}
	return in.detector
}

// Parameters returns the configured parameters, or DefaultParameters.
func (in *Inputs) Parameters() Parameters {
	if in.parameters == nil {
		return DefaultParameters()
	}
	return *in.parameters
}

// Configurer fills Inputs, e.g. from a run configuration file.
type Configurer interface {
	Configure(in *Inputs) error
}

// Configure applies every configurer in order.
func Configure(in *Inputs, configurers ...Configurer) error {
	for _, c := range configurers {
		if c == nil {
			continue
		}
		if err := c.Configure(in); err != nil {
			return err
		}
	}
	return nil
}
